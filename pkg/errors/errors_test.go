package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestConstructedErrorsMatchTheirSentinel(t *testing.T) {
	is := is.New(t)

	err := fmt.Errorf("set failed: %w", NewImmutableAttributeError("id"))

	is.True(Is(err, ErrImmutableAttribute))
	is.True(!Is(err, ErrImmutableCollection))
	is.Equal(err.Error(), "set failed: cannot modify value of immutable attribute \"id\"")
}

func TestProblemReportRoundTrip(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	NewBadRequestData("unknown entity type Shot", "").WriteResponse(w)

	is.Equal(w.Code, http.StatusBadRequest)
	is.Equal(w.Header().Get("Content-Type"), ProblemReportContentType)

	err := NewErrorFromProblemReport(w.Code, ProblemReportContentType, w.Body.Bytes())
	is.True(Is(err, ErrServer))
}

func TestProblemReportWithUnauthorizedType(t *testing.T) {
	is := is.New(t)

	b, _ := json.Marshal(NewUnauthorizedRequest("denied", "trace"))
	err := NewErrorFromProblemReport(http.StatusUnauthorized, ProblemReportContentType, b)

	is.True(Is(err, ErrUnauthorized))
	is.Equal(err.Error(), "denied")
}

func TestBrokenProblemReportIsABadResponse(t *testing.T) {
	is := is.New(t)

	err := NewErrorFromProblemReport(http.StatusInternalServerError, "text/plain", []byte("oops"))
	is.True(Is(err, ErrBadResponse))
}
