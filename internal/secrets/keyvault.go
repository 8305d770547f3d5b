package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	pixlerrors "pixl/pkg/errors"
)

// KeyVault resolves secrets from an Azure Key Vault. Credentials come from
// the environment (AZURE_CLIENT_ID, AZURE_CLIENT_SECRET, AZURE_TENANT_ID)
// via the SDK's default chain.
type KeyVault struct {
	client *azsecrets.Client
}

func NewKeyVault(vaultURL string) (*KeyVault, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key vault client: %w", err)
	}
	return &KeyVault{client: client}, nil
}

func (kv *KeyVault) Fetch(ctx context.Context, name string) ([]byte, error) {
	resp, err := kv.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return nil, pixlerrors.Wrap(pixlerrors.KindSecretUnavailable,
			fmt.Sprintf("failed to fetch secret %q", name), err)
	}
	if resp.Value == nil {
		return nil, pixlerrors.Newf(pixlerrors.KindSecretUnavailable, "secret %q has no value", name)
	}

	// Binary secrets (salts) are stored base64-encoded; everything else is
	// plain text.
	if decoded, err := base64.StdEncoding.DecodeString(*resp.Value); err == nil && isSaltName(name) {
		return decoded, nil
	}
	return []byte(*resp.Value), nil
}

func (kv *KeyVault) Create(ctx context.Context, name string, value []byte) error {
	encoded := string(value)
	if isSaltName(name) {
		encoded = base64.StdEncoding.EncodeToString(value)
	}
	_, err := kv.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{Value: &encoded}, nil)
	if err != nil {
		return pixlerrors.Wrap(pixlerrors.KindSecretUnavailable,
			fmt.Sprintf("failed to create secret %q", name), err)
	}
	return nil
}
