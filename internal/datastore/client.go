// Package datastore talks to the data store's files service to share paths
// with the service principal and to create directories on behalf of a user.
package datastore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Permission is a level granted to the service principal.
type Permission string

const (
	PermissionRead      Permission = "READ"
	PermissionReadWrite Permission = "READ_WRITE"
)

// PermissionGrantError reports a rejected or failed permission request.
type PermissionGrantError struct {
	Path       string
	Permission Permission
	StatusCode int
	Body       string
	Err        error
}

func (e *PermissionGrantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("grant %s on %s: %v", e.Permission, e.Path, e.Err)
	}
	return fmt.Sprintf("grant %s on %s: status %d: %s", e.Permission, e.Path, e.StatusCode, e.Body)
}

func (e *PermissionGrantError) Unwrap() error { return e.Err }

// DirectoryCreateError reports a failed mkdir request.
type DirectoryCreateError struct {
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *DirectoryCreateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create directory %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("create directory %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

func (e *DirectoryCreateError) Unwrap() error { return e.Err }

type Config struct {
	// FilesURL is the files service root, e.g. https://agave.iplantc.org/files/v2/.
	FilesURL string
	// StorageSystem names the data store inside the files service.
	StorageSystem string
	// Principal is the service account permissions are granted to.
	Principal string
	Timeout   time.Duration
}

type Client struct {
	base      *url.URL
	system    string
	principal string
	http      *http.Client
	logger    *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.FilesURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse files url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("files url %q must be absolute", cfg.FilesURL)
	}
	if cfg.Principal == "" {
		return nil, errors.New("service principal required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		base:      base,
		system:    cfg.StorageSystem,
		principal: cfg.Principal,
		http:      &http.Client{Timeout: timeout},
		logger:    logger.Named("datastore"),
	}, nil
}

func (c *Client) Principal() string { return c.principal }

// GrantPermission shares p (relative to the data store home root) with the
// service principal. Granting a level that is already held succeeds.
func (c *Client) GrantPermission(ctx context.Context, token, p string, level Permission, recursive bool) error {
	endpoint := c.base.JoinPath("pems", "system", c.system, p)
	form := url.Values{
		"username":   {c.principal},
		"permission": {string(level)},
		"recursive":  {strconv.FormatBool(recursive)},
	}

	c.logger.Info("granting permission",
		zap.String("path", p),
		zap.String("permission", string(level)),
		zap.Bool("recursive", recursive),
	)
	status, body, err := c.send(ctx, http.MethodPost, endpoint, token, form)
	if err != nil {
		return &PermissionGrantError{Path: p, Permission: level, Err: err}
	}
	if status < 200 || status > 299 {
		return &PermissionGrantError{Path: p, Permission: level, StatusCode: status, Body: body}
	}
	return nil
}

// MakeDirectory creates dir (relative to the data store home root). An
// existing directory is not an error.
func (c *Client) MakeDirectory(ctx context.Context, token, dir string) error {
	parent, name := path.Split(strings.TrimSuffix(dir, "/"))
	if name == "" {
		return &DirectoryCreateError{Path: dir, Err: errors.New("empty directory name")}
	}
	endpoint := c.base.JoinPath("media", strings.TrimSuffix(parent, "/"))
	form := url.Values{
		"action": {"mkdir"},
		"path":   {name},
	}

	c.logger.Info("creating remote directory", zap.String("path", dir))
	status, body, err := c.send(ctx, http.MethodPut, endpoint, token, form)
	if err != nil {
		return &DirectoryCreateError{Path: dir, Err: err}
	}
	if status >= 200 && status <= 299 {
		return nil
	}
	if status == http.StatusConflict || strings.Contains(strings.ToLower(body), "already exists") {
		c.logger.Debug("remote directory already exists", zap.String("path", dir))
		return nil
	}
	return &DirectoryCreateError{Path: dir, StatusCode: status, Body: body}
}

func (c *Client) send(ctx context.Context, method string, endpoint *url.URL, token string, form url.Values) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authorization(token))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s %s", method, endpoint.Path)
	}
	defer resp.Body.Close()
	return resp.StatusCode, readLimitedBody(resp.Body), nil
}

// authorization adds the Bearer scheme unless the credential already has one.
func authorization(token string) string {
	token = strings.TrimSpace(token)
	if strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}

func readLimitedBody(r io.Reader) string {
	const limit = 512
	buf, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}
