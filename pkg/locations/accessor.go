package locations

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/diwise/entity-session/pkg/errors"
)

// Accessor moves component data in and out of a storage location
type Accessor interface {
	Exists(ctx context.Context, resourceIdentifier string) (bool, error)
	Read(ctx context.Context, resourceIdentifier string) (io.ReadCloser, error)
	Write(ctx context.Context, resourceIdentifier string, data io.Reader) error
	Remove(ctx context.Context, resourceIdentifier string) error
}

type MemoryAccessor struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryAccessor() *MemoryAccessor {
	return &MemoryAccessor{data: map[string][]byte{}}
}

func (a *MemoryAccessor) Exists(ctx context.Context, resourceIdentifier string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.data[resourceIdentifier]
	return ok, nil
}

func (a *MemoryAccessor) Read(ctx context.Context, resourceIdentifier string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.data[resourceIdentifier]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no resource %q", resourceIdentifier))
	}

	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *MemoryAccessor) Write(ctx context.Context, resourceIdentifier string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.data[resourceIdentifier] = b
	return nil
}

func (a *MemoryAccessor) Remove(ctx context.Context, resourceIdentifier string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.data[resourceIdentifier]; !ok {
		return errors.NewNotFoundError(fmt.Sprintf("no resource %q", resourceIdentifier))
	}

	delete(a.data, resourceIdentifier)
	return nil
}

// DiskAccessor stores resources as files below a root directory
type DiskAccessor struct {
	root string
}

func NewDiskAccessor(root string) *DiskAccessor {
	return &DiskAccessor{root: root}
}

func (a *DiskAccessor) path(resourceIdentifier string) (string, error) {
	p := filepath.Join(a.root, filepath.FromSlash(resourceIdentifier))
	if !strings.HasPrefix(p, filepath.Clean(a.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("resource %q is outside of %s", resourceIdentifier, a.root)
	}
	return p, nil
}

func (a *DiskAccessor) Exists(ctx context.Context, resourceIdentifier string) (bool, error) {
	p, err := a.path(resourceIdentifier)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (a *DiskAccessor) Read(ctx context.Context, resourceIdentifier string) (io.ReadCloser, error) {
	p, err := a.path(resourceIdentifier)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("no resource %q", resourceIdentifier))
		}
		return nil, err
	}

	return f, nil
}

func (a *DiskAccessor) Write(ctx context.Context, resourceIdentifier string, data io.Reader) error {
	p, err := a.path(resourceIdentifier)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}

	f, err := os.Create(p)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func (a *DiskAccessor) Remove(ctx context.Context, resourceIdentifier string) error {
	p, err := a.path(resourceIdentifier)
	if err != nil {
		return err
	}

	err = os.Remove(p)
	if os.IsNotExist(err) {
		return errors.NewNotFoundError(fmt.Sprintf("no resource %q", resourceIdentifier))
	}

	return err
}
