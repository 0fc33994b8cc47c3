package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Attachment describes a named binary payload of a revision. Stored
// attachments are referenced by Digest; Source is only set on attachments
// that still have to be written into the blob store.
type Attachment struct {
	Name        string
	ContentType string
	Length      int64
	Digest      string
	Encoding    string
	RevPos      uint64

	Source AttachmentSource
}

// IsStub reports whether the attachment carries no content of its own and
// must resolve to an already stored blob.
func (a Attachment) IsStub() bool {
	return a.Source == nil
}

// AttachmentSource yields the bytes of an attachment. The set of
// implementations is closed: InMemorySource, FileSource, RemoteSource and
// StoreSource.
type AttachmentSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	// Size returns the declared length, or -1 when unknown.
	Size() int64

	attachmentSource()
}

// InMemorySource serves a byte slice.
type InMemorySource struct {
	Data []byte
}

func (s InMemorySource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

func (s InMemorySource) Size() int64 { return int64(len(s.Data)) }

func (InMemorySource) attachmentSource() {}

// FileSource streams a file from local disk.
type FileSource struct {
	Path string
}

func (s FileSource) Open(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: attachment file %s", ErrNotFound, s.Path)
		}
		return nil, fmt.Errorf("open attachment file %s: %w", s.Path, err)
	}
	return f, nil
}

func (s FileSource) Size() int64 {
	info, err := os.Stat(s.Path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func (FileSource) attachmentSource() {}

// RemoteSource downloads the payload over HTTP when opened.
type RemoteSource struct {
	URL    string
	Header http.Header
	Client *http.Client
	Length int64
}

func (s RemoteSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch attachment: %v", ErrTransientNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, StatusError(resp.StatusCode, "fetch attachment "+s.URL)
	}
	return resp.Body, nil
}

func (s RemoteSource) Size() int64 { return s.Length }

func (RemoteSource) attachmentSource() {}

// StoreSource reads a blob that already lives in a local blob store.
type StoreSource struct {
	Digest string
	Length int64
	Opener func(ctx context.Context) (io.ReadCloser, error)
}

func (s StoreSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Opener == nil {
		return nil, fmt.Errorf("%w: store source for %s has no opener", ErrValidation, s.Digest)
	}
	return s.Opener(ctx)
}

func (s StoreSource) Size() int64 { return s.Length }

func (StoreSource) attachmentSource() {}

// StatusError maps an HTTP status code onto the error taxonomy.
func StatusError(code int, what string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", ErrAuthentication, what, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, what)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %s: status %d", ErrTransientNetwork, what, code)
	}
	return fmt.Errorf("%w: %s: status %d", ErrValidation, what, code)
}
