package archive

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a mock implementation of BlobStore for testing.
type MockBlobStore struct {
	mock.Mock
}

// PutObject is the mock implementation of the PutObject method. The reader
// is drained so expectations can match on the written bytes.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, path, contentType, body)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
