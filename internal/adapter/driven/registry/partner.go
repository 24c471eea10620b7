package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RegistryClient = (*PartnerClient)(nil)

// PartnerClient manages partner service accounts on a mutual-TLS registry
// API. Deletion is soft, and accounts can be recovered and renamed.
type PartnerClient struct {
	reg model.Registry
	api *apiClient
}

type partnerCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type partnerUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Deleted *bool   `json:"deleted,omitempty"`
}

// CreateAccount creates a service account under a fresh name for owner. If
// the name is already taken, which happens when a retried create reached the
// registry, the existing account is fetched and returned. A soft-deleted
// account is never handed back; restoring one takes RecoverAccount.
func (c *PartnerClient) CreateAccount(ctx context.Context, owner model.AccountOwner) (model.ExternalAccount, error) {
	short, err := PartnerAccountName(owner)
	if err != nil {
		return model.ExternalAccount{}, err
	}

	body := partnerCreateRequest{Name: short, Description: accountDescription(owner)}
	var resp accountResponse
	err = c.api.call(ctx, "create service account "+short, http.MethodPost, c.collectionURL(), body, &resp)
	if errors.Is(err, model.ErrConflictAlreadyExists) {
		err = c.api.call(ctx, "get service account "+short, http.MethodGet, c.accountURL(short), nil, &resp)
		if err == nil && resp.Deleted {
			return model.ExternalAccount{}, &Error{
				Registry:   c.reg.ID,
				Op:         "create service account " + short,
				StatusCode: http.StatusConflict,
				Kind:       model.ErrConflictAlreadyExists,
				Message:    "name belongs to a soft-deleted account",
			}
		}
	}
	if err != nil {
		return model.ExternalAccount{}, err
	}

	return c.account(resp, short)
}

// DeleteAccount soft-deletes the service account.
func (c *PartnerClient) DeleteAccount(ctx context.Context, externalName string) error {
	short, err := StripPartnerName(externalName)
	if err != nil {
		return err
	}
	return c.api.call(ctx, "delete service account "+short, http.MethodDelete, c.accountURL(short), nil, nil)
}

// RecoverAccount restores a soft-deleted service account.
func (c *PartnerClient) RecoverAccount(ctx context.Context, externalName string) error {
	short, err := StripPartnerName(externalName)
	if err != nil {
		return err
	}
	deleted := false
	return c.api.call(ctx, "recover service account "+short, http.MethodPatch, c.accountURL(short), partnerUpdateRequest{Deleted: &deleted}, nil)
}

// RenameAccount relabels a service account for owner, keeping its token.
func (c *PartnerClient) RenameAccount(ctx context.Context, externalName string, owner model.AccountOwner) (model.ExternalAccount, error) {
	short, err := StripPartnerName(externalName)
	if err != nil {
		return model.ExternalAccount{}, err
	}
	newName, err := PartnerAccountName(owner)
	if err != nil {
		return model.ExternalAccount{}, err
	}

	var resp accountResponse
	if err := c.api.call(ctx, "rename service account "+short, http.MethodPatch, c.accountURL(short), partnerUpdateRequest{Name: &newName}, &resp); err != nil {
		return model.ExternalAccount{}, err
	}
	return c.account(resp, newName)
}

// Capabilities reports that service accounts support recovery and rename.
func (c *PartnerClient) Capabilities() driven.Capabilities {
	return driven.Capabilities{Recover: true, Rename: true}
}

// account validates the returned name carries the separator. An empty name
// falls back to the requested one.
func (c *PartnerClient) account(resp accountResponse, short string) (model.ExternalAccount, error) {
	account := resp.account()
	if account.Name == "" {
		account.Name = PrefixPartnerName(short)
	}
	if _, err := StripPartnerName(account.Name); err != nil {
		return model.ExternalAccount{}, &Error{Registry: c.reg.ID, Op: "service account " + short, Kind: model.ErrAdapterRejected, Err: err}
	}
	return account, nil
}

func (c *PartnerClient) collectionURL() string {
	return strings.TrimSuffix(c.reg.APIURL, "/") + "/v1/service-accounts"
}

func (c *PartnerClient) accountURL(short string) string {
	return fmt.Sprintf("%s/%s", c.collectionURL(), url.PathEscape(short))
}
