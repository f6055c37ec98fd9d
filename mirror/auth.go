package mirror

import (
	"context"
	"errors"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// DockerCredentials returns a credential store that reads the Docker config
// (~/.docker/config.json) and its credential helpers.
func DockerCredentials() (credentials.Store, error) {
	return credentials.NewStoreFromDocker(credentials.StoreOptions{})
}

// StaticCredentials returns a credential store holding one username and
// password for registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return &staticStore{
		registry: hostport(registry),
		cred:     auth.Credential{Username: username, Password: password},
	}
}

// staticStore implements credentials.Store for a single static credential.
type staticStore struct {
	registry string
	cred     auth.Credential
}

// Get returns the credential when serverAddress is the configured registry.
func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if hostport(serverAddress) == s.registry {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

// Put is not supported for static credentials.
func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("mirror: static credential store is read-only")
}

// Delete is not supported for static credentials.
func (s *staticStore) Delete(context.Context, string) error {
	return errors.New("mirror: static credential store is read-only")
}

// hostport strips the scheme and path from a server address.
func hostport(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr, _, _ = strings.Cut(addr, "/")
	return addr
}
