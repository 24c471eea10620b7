package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RegistryClient = (*RobotClient)(nil)

// RobotClient manages robot accounts on a bearer-token registry API. Robot
// accounts are deleted immediately and cannot be renamed.
type RobotClient struct {
	reg model.Registry
	api *apiClient
}

type robotCreateRequest struct {
	Description string `json:"description"`
}

// CreateAccount creates a robot account named after the owner's provider and
// region. When the registry names a team, the robot joins it; a failed team
// assignment removes the robot again.
func (c *RobotClient) CreateAccount(ctx context.Context, owner model.AccountOwner) (model.ExternalAccount, error) {
	short, err := RobotAccountName(owner)
	if err != nil {
		return model.ExternalAccount{}, err
	}

	body := robotCreateRequest{Description: accountDescription(owner)}
	var resp accountResponse
	err = c.api.call(ctx, "create robot "+short, http.MethodPut, c.robotURL(short), body, &resp)
	if errors.Is(err, model.ErrConflictAlreadyExists) {
		err = c.api.call(ctx, "get robot "+short, http.MethodGet, c.robotURL(short), nil, &resp)
	}
	if err != nil {
		return model.ExternalAccount{}, err
	}

	account := resp.account()
	if account.Name == "" {
		account.Name = c.reg.OrgName + robotOrgSep + short
	}
	if _, err := robotShortName(c.reg.OrgName, account.Name); err != nil {
		return model.ExternalAccount{}, &Error{Registry: c.reg.ID, Op: "create robot " + short, Kind: model.ErrAdapterRejected, Err: err}
	}

	if c.reg.TeamName != "" {
		if err := c.api.call(ctx, "add robot to team "+c.reg.TeamName, http.MethodPut, c.teamMemberURL(account.Name), struct{}{}, nil); err != nil {
			if delErr := c.api.call(context.WithoutCancel(ctx), "delete robot "+short, http.MethodDelete, c.robotURL(short), nil, nil); delErr != nil {
				slog.Warn("orphaned robot account after failed team assignment",
					"registry", c.reg.ID, "account", account.Name, "error", delErr)
			}
			return model.ExternalAccount{}, err
		}
	}

	return account, nil
}

// DeleteAccount deletes the robot account.
func (c *RobotClient) DeleteAccount(ctx context.Context, externalName string) error {
	short, err := robotShortName(c.reg.OrgName, externalName)
	if err != nil {
		return err
	}
	return c.api.call(ctx, "delete robot "+short, http.MethodDelete, c.robotURL(short), nil, nil)
}

// RecoverAccount is not supported: robot deletion is immediate.
func (c *RobotClient) RecoverAccount(context.Context, string) error {
	return fmt.Errorf("recover robot account on %s: %w", c.reg.ID, model.ErrUnsupported)
}

// RenameAccount is not supported by the robot API.
func (c *RobotClient) RenameAccount(context.Context, string, model.AccountOwner) (model.ExternalAccount, error) {
	return model.ExternalAccount{}, fmt.Errorf("rename robot account on %s: %w", c.reg.ID, model.ErrUnsupported)
}

// Capabilities reports that robots can be neither recovered nor renamed.
func (c *RobotClient) Capabilities() driven.Capabilities {
	return driven.Capabilities{}
}

func (c *RobotClient) robotURL(short string) string {
	return fmt.Sprintf("%s/api/v1/organization/%s/robots/%s",
		strings.TrimSuffix(c.reg.APIURL, "/"), url.PathEscape(c.reg.OrgName), url.PathEscape(short))
}

func (c *RobotClient) teamMemberURL(member string) string {
	return fmt.Sprintf("%s/api/v1/organization/%s/team/%s/members/%s",
		strings.TrimSuffix(c.reg.APIURL, "/"), url.PathEscape(c.reg.OrgName), url.PathEscape(c.reg.TeamName), url.PathEscape(member))
}

func accountDescription(owner model.AccountOwner) string {
	if owner.IsPool() {
		return "regcreds pool account"
	}
	return "regcreds pull credential for cluster " + owner.ClusterID
}
