package s3

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/idlestate/gcsbuildcache/cache"
)

// credentialDocument is the JSON document printed by
// "aws configure export-credentials --format process" and accepted by
// credential_process.
type credentialDocument struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
}

// credentialOptions returns the config load options for a credentials path.
// An empty path keeps the default credential chain.
func credentialOptions(path string) ([]func(*awsconfig.LoadOptions) error, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &cache.CredentialError{Path: path, Err: err}
	}
	doc, err := parseCredentialDocument(data)
	if err != nil {
		return nil, &cache.CredentialError{Path: path, Err: err}
	}

	provider := credentials.NewStaticCredentialsProvider(doc.AccessKeyID, doc.SecretAccessKey, doc.SessionToken)
	return []func(*awsconfig.LoadOptions) error{awsconfig.WithCredentialsProvider(provider)}, nil
}

func parseCredentialDocument(data []byte) (credentialDocument, error) {
	var doc credentialDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse credential document: %w", err)
	}
	if doc.Version > 1 {
		return doc, fmt.Errorf("unsupported credential document version %d", doc.Version)
	}
	if doc.AccessKeyID == "" || doc.SecretAccessKey == "" {
		return doc, errors.New("credential document needs AccessKeyId and SecretAccessKey")
	}
	return doc, nil
}
