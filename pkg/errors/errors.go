package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

var ErrNotUnique = fmt.Errorf("not unique")
var ErrImmutableAttribute = fmt.Errorf("immutable attribute")
var ErrDuplicateItemInCollection = fmt.Errorf("duplicate item in collection")
var ErrImmutableCollection = fmt.Errorf("immutable collection")
var ErrNilCollectionItem = fmt.Errorf("nil collection item")
var ErrInvalidStateTransition = fmt.Errorf("invalid state transition")
var ErrUnrecognisedEntityType = fmt.Errorf("unrecognised entity type")
var ErrNoResultFound = fmt.Errorf("no result found")
var ErrMultipleResultsFound = fmt.Errorf("multiple results found")
var ErrServer = fmt.Errorf("server error")
var ErrComponentNotInLocation = fmt.Errorf("component not in location")

var ErrUnknownAttribute = fmt.Errorf("unknown attribute")
var ErrMissingPrimaryKey = fmt.Errorf("missing primary key")
var ErrNotFound = fmt.Errorf("not found")

var ErrInternal = fmt.Errorf("internal error")
var ErrRequest = fmt.Errorf("request error")
var ErrBadResponse = fmt.Errorf("bad response")
var ErrUnauthorized = fmt.Errorf("unauthorized")

type myError struct {
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }

func newError(target error, format string, args ...any) error {
	return &myError{
		msg:    fmt.Sprintf(format, args...),
		target: target,
	}
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func NewNotUniqueError(name string) error {
	return newError(ErrNotUnique, "%q is already registered", name)
}

func NewImmutableAttributeError(attribute string) error {
	return newError(ErrImmutableAttribute, "cannot modify value of immutable attribute %q", attribute)
}

func NewDuplicateItemInCollectionError(item, attribute string) error {
	return newError(ErrDuplicateItemInCollection, "item %s already exists in collection %q", item, attribute)
}

func NewImmutableCollectionError(attribute string) error {
	return newError(ErrImmutableCollection, "cannot modify immutable collection %q", attribute)
}

func NewNilCollectionItemError(attribute string) error {
	return newError(ErrNilCollectionItem, "collection %q cannot hold a nil entity", attribute)
}

func NewInvalidStateTransitionError(entity, from, to string) error {
	return newError(ErrInvalidStateTransition, "invalid transition from %s to %s for %s", from, to, entity)
}

func NewUnrecognisedEntityTypeError(entityType string) error {
	return newError(ErrUnrecognisedEntityType, "entity type %q not recognised", entityType)
}

func NewNoResultFoundError(expression string) error {
	return newError(ErrNoResultFound, "expected one result for %q but got none", expression)
}

func NewMultipleResultsFoundError(expression string) error {
	return newError(ErrMultipleResultsFound, "expected one result for %q but got multiple", expression)
}

func NewServerError(msg string) error {
	return newError(ErrServer, "server reported error: %s", msg)
}

func NewComponentNotInLocationError(component, location string) error {
	return newError(ErrComponentNotInLocation, "component %s not present in location %s", component, location)
}

func NewUnknownAttributeError(entityType, attribute string) error {
	return newError(ErrUnknownAttribute, "entity type %q has no attribute %q", entityType, attribute)
}

func NewMissingPrimaryKeyError(entityType, attribute string) error {
	return newError(ErrMissingPrimaryKey, "primary key attribute %q of %s is not set", attribute, entityType)
}

func NewNotFoundError(msg string) error {
	return newError(ErrNotFound, "%s", msg)
}

func NewUnauthorizedError(msg string) error {
	return newError(ErrUnauthorized, "%s", msg)
}

const (
	ProblemTypeBadRequestData  string = "https://diwise.io/entity-session/errors/BadRequestData"
	ProblemTypeInternalError   string = "https://diwise.io/entity-session/errors/InternalError"
	ProblemTypeInvalidRequest  string = "https://diwise.io/entity-session/errors/InvalidRequest"
	ProblemTypeNotFound        string = "https://diwise.io/entity-session/errors/ResourceNotFound"
	ProblemTypeUnauthorized    string = "https://diwise.io/entity-session/errors/UnauthorizedRequest"
	ProblemReportContentType   string = "application/problem+json"
	problemReportDetailMissing string = "no detail provided"
)

func NewErrorFromProblemReport(code int, contentType string, body []byte) error {
	report := &struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}{}

	err := json.Unmarshal(body, report)
	if err != nil {
		return fmt.Errorf("failed to process problem report (%s) from server: %s (%w)", contentType, err.Error(), ErrBadResponse)
	}

	if report.Detail == "" {
		report.Detail = problemReportDetailMissing
	}

	if code == http.StatusUnauthorized || code == http.StatusForbidden || report.Type == ProblemTypeUnauthorized {
		return &myError{msg: report.Detail, target: ErrUnauthorized}
	}

	if code == http.StatusNotFound || report.Type == ProblemTypeNotFound {
		return NewServerError(fmt.Sprintf("[code: %d] %s", code, report.Detail))
	}

	return NewServerError(
		fmt.Sprintf("[code: %d] problem report of type \"%s\" with detail \"%s\" received",
			code, report.Type, report.Detail,
		),
	)
}

//ProblemDetails stores details about a certain problem according to RFC7807
//See https://tools.ietf.org/html/rfc7807
type ProblemDetails interface {
	ContentType() string
	Type() string
	Title() string
	Detail() string
	MarshalJSON() ([]byte, error)
	WriteResponse(w http.ResponseWriter)
}

type ProblemDetailsImpl struct {
	typ     string
	title   string
	detail  string
	code    int
	traceID string
}

//NewBadRequestData reports that a batch contains data that does not meet the requirements of the action
func NewBadRequestData(detail, traceID string) *ProblemDetailsImpl {
	return &ProblemDetailsImpl{
		typ:     ProblemTypeBadRequestData,
		title:   "Bad Request Data",
		detail:  detail,
		code:    http.StatusBadRequest,
		traceID: traceID,
	}
}

func NewInvalidRequest(detail, traceID string) *ProblemDetailsImpl {
	return &ProblemDetailsImpl{
		typ:     ProblemTypeInvalidRequest,
		title:   "Invalid Request",
		detail:  detail,
		code:    http.StatusBadRequest,
		traceID: traceID,
	}
}

func NewInternalError(detail, traceID string) *ProblemDetailsImpl {
	return &ProblemDetailsImpl{
		typ:     ProblemTypeInternalError,
		title:   "Internal Error",
		detail:  detail,
		code:    http.StatusInternalServerError,
		traceID: traceID,
	}
}

func NewNotFound(detail, traceID string) *ProblemDetailsImpl {
	return &ProblemDetailsImpl{
		typ:     ProblemTypeNotFound,
		title:   "Not Found",
		detail:  detail,
		code:    http.StatusNotFound,
		traceID: traceID,
	}
}

func NewUnauthorizedRequest(detail, traceID string) *ProblemDetailsImpl {
	return &ProblemDetailsImpl{
		typ:     ProblemTypeUnauthorized,
		title:   "Unauthorized Request",
		detail:  detail,
		code:    http.StatusUnauthorized,
		traceID: traceID,
	}
}

func (p *ProblemDetailsImpl) ContentType() string {
	return ProblemReportContentType
}

func (p *ProblemDetailsImpl) Type() string   { return p.typ }
func (p *ProblemDetailsImpl) Title() string  { return p.title }
func (p *ProblemDetailsImpl) Detail() string { return p.detail }

func (p *ProblemDetailsImpl) MarshalJSON() ([]byte, error) {
	var traceID *string

	if p.traceID != "" {
		traceID = &p.traceID
	}

	return json.Marshal(struct {
		Type    string  `json:"type"`
		Title   string  `json:"title"`
		Detail  string  `json:"detail"`
		TraceID *string `json:"traceID,omitempty"`
	}{
		Type:    p.typ,
		Title:   p.title,
		Detail:  p.detail,
		TraceID: traceID,
	})
}

//ResponseCode returns the HTTP response code to be used when returning a specific problem
func (p *ProblemDetailsImpl) ResponseCode() int {
	if p.code != 0 {
		return p.code
	}

	return http.StatusBadRequest
}

//WriteResponse writes the contents of this instance to a http.ResponseWriter
func (p *ProblemDetailsImpl) WriteResponse(w http.ResponseWriter) {
	w.Header().Add("Content-Type", p.ContentType())
	w.Header().Add("Content-Language", "en")
	w.WriteHeader(p.ResponseCode())

	pdbytes, err := json.MarshalIndent(p, "", "  ")
	if err == nil {
		w.Write(pdbytes)
	}
}
