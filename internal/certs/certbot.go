// Package certs obtains TLS certificates through an external ACME client.
package certs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hatem-elsheref/server-setup/internal/operr"
	"github.com/hatem-elsheref/server-setup/internal/run"
)

// Issuer obtains a certificate for a domain. Issuance fails when the domain
// does not resolve to this host; callers must not touch proxy configuration
// until it succeeds.
type Issuer interface {
	Obtain(ctx context.Context, domain, email string) error
}

// Certbot implements Issuer over the certbot binary in certonly mode: the
// nginx authenticator answers the challenge, certbot never rewrites vhost
// configuration.
type Certbot struct {
	runner run.Runner
	logger *slog.Logger
}

// NewCertbot returns a certbot-backed issuer.
func NewCertbot(runner run.Runner, logger *slog.Logger) *Certbot {
	return &Certbot{runner: runner, logger: logger}
}

// Obtain requests a certificate for domain. The nginx installer plugin is
// not used; configuration stays under this tool's control.
func (c *Certbot) Obtain(ctx context.Context, domain, email string) error {
	args := []string{
		"certonly", "--nginx",
		"--non-interactive", "--agree-tos",
		"-d", domain,
	}
	if email != "" {
		args = append(args, "--email", email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	if err := c.runner.Run(ctx, "", nil, "certbot", args...); err != nil {
		return fmt.Errorf("%w: certificate issuance for %s: %v", operr.ErrExternalTool, domain, err)
	}
	if c.logger != nil {
		c.logger.Info("certificate obtained", "domain", domain)
	}
	return nil
}
