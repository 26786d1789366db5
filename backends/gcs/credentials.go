package gcs

import (
	"context"
	"encoding/json"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/idlestate/gcsbuildcache/cache"
)

const serviceAccountType = "service_account"

// serviceAccountKey holds the fields of a service account key file that are
// checked before the document is handed to the oauth2 library.
type serviceAccountKey struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// resolveCredentials turns a credentials path into a client option. An empty
// path selects Application Default Credentials.
func resolveCredentials(ctx context.Context, path string) (option.ClientOption, error) {
	if path == "" {
		creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
		if err != nil {
			return nil, &cache.CredentialError{Err: err}
		}
		return option.WithCredentials(creds), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &cache.CredentialError{Path: path, Err: err}
	}

	creds, err := serviceAccountCredentials(ctx, data)
	if err != nil {
		return nil, &cache.CredentialError{Path: path, Err: err}
	}
	return option.WithCredentials(creds), nil
}

func serviceAccountCredentials(ctx context.Context, data []byte) (*google.Credentials, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parse credential document: %w", err)
	}
	if key.Type != serviceAccountType {
		return nil, fmt.Errorf("credential type %q is not %q", key.Type, serviceAccountType)
	}
	if key.ClientEmail == "" {
		return nil, errors.New("service account key has no client_email")
	}
	if err := checkPrivateKey(key.PrivateKey); err != nil {
		return nil, err
	}

	creds, err := google.CredentialsFromJSON(ctx, data, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("load service account key: %w", err)
	}
	return creds, nil
}

// checkPrivateKey parses the PEM encoded key. oauth2 only does so when the
// first token is fetched.
func checkPrivateKey(data string) error {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return errors.New("service account key has no PEM encoded private_key")
	}
	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return nil
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		return fmt.Errorf("parse service account private_key: %w", err)
	}
	return nil
}
