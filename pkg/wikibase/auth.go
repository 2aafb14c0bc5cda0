package wikibase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Login authenticates the client's session when the endpoint carries
// credentials. Bot passwords take precedence over interactive passwords.
// OAuth consumer credentials cannot be used headlessly and are rejected.
// Without credentials Login is a no-op unless the endpoint demands one.
func (c *Client) Login(ctx context.Context) error {
	switch {
	case c.cfg.BotPassword != "":
		if c.cfg.User == "" {
			return fmt.Errorf("%w: %s has a bot password but no user", ErrLoginRequired, c.cfg.Name)
		}
		return c.botLogin(ctx)
	case c.cfg.ConsumerKey != "":
		return fmt.Errorf("%w: %s is configured for OAuth, which needs an interactive grant", ErrLoginRequired, c.cfg.Name)
	case c.cfg.Password != "":
		if c.cfg.User == "" {
			return fmt.Errorf("%w: %s has a password but no user", ErrLoginRequired, c.cfg.Name)
		}
		return c.clientLogin(ctx)
	case c.cfg.RequiresLogin:
		return fmt.Errorf("%w: %s requires a login but no credentials are configured", ErrLoginRequired, c.cfg.Name)
	}
	return nil
}

func (c *Client) loginToken(ctx context.Context) (string, error) {
	params := url.Values{
		"action": {"query"},
		"meta":   {"tokens"},
		"type":   {"login"},
	}
	body, err := c.call(ctx, params, true, "")
	if err != nil {
		return "", err
	}

	var resp struct {
		Query struct {
			Tokens struct {
				LoginToken string `json:"logintoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if resp.Query.Tokens.LoginToken == "" {
		return "", fmt.Errorf("%w: empty login token", ErrParse)
	}
	return resp.Query.Tokens.LoginToken, nil
}

// botLogin uses the legacy action=login flow, which stays supported for
// bot passwords. The user name carries the bot suffix, user@botname.
func (c *Client) botLogin(ctx context.Context) error {
	token, err := c.loginToken(ctx)
	if err != nil {
		return err
	}

	params := url.Values{
		"action":     {"login"},
		"lgname":     {c.cfg.User},
		"lgpassword": {c.cfg.BotPassword},
		"lgtoken":    {token},
	}
	body, err := c.call(ctx, params, true, "")
	if err != nil {
		return err
	}

	var resp struct {
		Login struct {
			Result string `json:"result"`
			Reason string `json:"reason"`
		} `json:"login"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if resp.Login.Result != "Success" {
		return fmt.Errorf("%w: bot login to %s failed: %s %s", ErrLoginRequired, c.cfg.Name, resp.Login.Result, resp.Login.Reason)
	}

	c.invalidateToken()
	c.Logger.Info("Logged in", "endpoint", c.cfg.Name, "user", c.cfg.User, "method", "bot")
	return nil
}

func (c *Client) clientLogin(ctx context.Context) error {
	token, err := c.loginToken(ctx)
	if err != nil {
		return err
	}

	returnURL := c.cfg.Website
	if returnURL == "" {
		returnURL = c.cfg.MediaWikiAPIURL
	}
	params := url.Values{
		"action":         {"clientlogin"},
		"username":       {c.cfg.User},
		"password":       {c.cfg.Password},
		"logintoken":     {token},
		"loginreturnurl": {returnURL},
	}
	body, err := c.call(ctx, params, true, "")
	if err != nil {
		return err
	}

	var resp struct {
		ClientLogin struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"clientlogin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if resp.ClientLogin.Status != "PASS" {
		return fmt.Errorf("%w: login to %s failed: %s %s", ErrLoginRequired, c.cfg.Name, resp.ClientLogin.Status, resp.ClientLogin.Message)
	}

	c.invalidateToken()
	c.Logger.Info("Logged in", "endpoint", c.cfg.Name, "user", c.cfg.User, "method", "clientlogin")
	return nil
}
