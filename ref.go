package fastpull

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/record"
)

// RefKey is the key spec of the ref collection: one ref per scope and URL.
var RefKey = record.DerivedKey("scope", "url")

// DanglingRef is an audit finding for a ref whose blob is not stored.
const DanglingRef blos.ProblemKind = "dangling-ref"

// Ref records which blob a URL resolved to within a scope.
type Ref struct {
	Scope     string    `json:"scope"`
	URL       string    `json:"url"`
	SHA512    string    `json:"sha512"`
	UpdatedOn time.Time `json:"updated_on"`
}

// PutRef records that url resolved to the blob sha512. An existing ref for
// url is replaced.
func (s *Scope) PutRef(ctx context.Context, url, sha512 string) error {
	if !blos.ValidHash(sha512) {
		return fmt.Errorf("%w: %q", blos.ErrInvalidHash, sha512)
	}
	_, err := s.refs.Write(ctx, Ref{
		Scope:     s.name,
		URL:       url,
		SHA512:    sha512,
		UpdatedOn: time.Now().UTC(),
	})
	return err
}

// Ref returns the ref for url, or ErrNotFound.
func (s *Scope) Ref(ctx context.Context, url string) (*Ref, error) {
	ref, err := s.refs.Read(ctx, s.refQuery(url))
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// DeleteRef removes the ref for url. A missing ref is not an error.
func (s *Scope) DeleteRef(ctx context.Context, url string) error {
	return s.refs.Delete(ctx, s.refQuery(url))
}

// Refs lazily yields every ref in the scope.
func (s *Scope) Refs(ctx context.Context) iter.Seq2[*Ref, error] {
	return func(yield func(*Ref, error) bool) {
		for ref, err := range s.refs.Scan(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&ref, nil) {
				return
			}
		}
	}
}

func (s *Scope) refQuery(url string) record.Query {
	return record.Where(record.Match{"scope": s.name, "url": url})
}

// registryHost returns the registry part of an OCI repository reference.
func registryHost(repo string) string {
	host, _, _ := strings.Cut(repo, "/")
	return host
}
