package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
)

// Validate runs struct-tag validation followed by cross-field rules.
// Failures are returned as a ConfigurationError.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindConfiguration, formatValidationErrors(err), "invalid config")
	}

	checks := []func() error{
		c.validateProviders,
		c.validateProxyRules,
		c.validateRoles,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindConfiguration, err, "invalid config")
		}
	}
	return nil
}

func (c *Config) validateProviders() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == LocalProvider {
			return fmt.Errorf("providers[%d]: name %q is reserved for local tools", i, LocalProvider)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

func (c *Config) validateProxyRules() error {
	exposed := make(map[string]struct{}, len(c.ProxyRules))
	wrapped := make(map[string]string, len(c.ProxyRules))
	for i, r := range c.ProxyRules {
		if _, ok := c.Provider(r.Provider); !ok {
			return fmt.Errorf("proxy_rules[%d]: unknown provider %q", i, r.Provider)
		}
		if _, dup := exposed[r.ExposedToolName]; dup {
			return fmt.Errorf("proxy_rules[%d]: duplicate exposed_tool_name %q", i, r.ExposedToolName)
		}
		exposed[r.ExposedToolName] = struct{}{}

		key := r.Provider + "/" + r.UpstreamToolName
		if prev, dup := wrapped[key]; dup {
			return fmt.Errorf("proxy_rules[%d]: upstream tool %q already wrapped by %q", i, key, prev)
		}
		wrapped[key] = r.ExposedToolName

		seenParam := make(map[string]struct{}, len(r.InjectedParameters))
		for _, name := range r.InjectedParameters {
			if _, dup := seenParam[name]; dup {
				return fmt.Errorf("proxy_rules[%d]: injected parameter %q listed twice", i, name)
			}
			seenParam[name] = struct{}{}
		}
		for name, src := range r.ParameterSources {
			if _, ok := seenParam[name]; !ok {
				return fmt.Errorf("proxy_rules[%d]: parameter_sources names %q which is not injected", i, name)
			}
			if !validSource(src) {
				return fmt.Errorf("proxy_rules[%d]: parameter %q has unsupported source %q", i, name, src)
			}
		}
	}

	// An exposed name may reuse the upstream name of its own rule, since the wrapped
	// tool is hidden; it must not shadow a different rule's upstream tool on the same provider.
	for _, r := range c.ProxyRules {
		if other, ok := wrapped[r.Provider+"/"+r.ExposedToolName]; ok && other != r.ExposedToolName {
			return fmt.Errorf("proxy rule %q collides with upstream tool wrapped by %q", r.ExposedToolName, other)
		}
	}
	return nil
}

func (c *Config) validateRoles() error {
	seen := make(map[string]struct{}, len(c.Roles))
	for i, role := range c.Roles {
		if _, dup := seen[role.Role]; dup {
			return fmt.Errorf("roles[%d]: duplicate role %q", i, role.Role)
		}
		seen[role.Role] = struct{}{}

		providers := make(map[string]struct{}, len(role.Servers))
		for j, s := range role.Servers {
			where := fmt.Sprintf("roles[%s].servers[%d]", role.Role, j)
			if len(s.AllowList) > 0 && len(s.ExcludeList) > 0 {
				return fmt.Errorf("%s: allow_list and exclude_list are mutually exclusive", where)
			}
			if _, dup := providers[s.Provider]; dup {
				return fmt.Errorf("%s: provider %q listed twice", where, s.Provider)
			}
			providers[s.Provider] = struct{}{}

			switch s.Transport {
			case ServerTransportLocal:
				if s.Provider != LocalProvider {
					return fmt.Errorf("%s: local transport requires provider %q", where, LocalProvider)
				}
			case ServerTransportRemote:
				if _, ok := c.Provider(s.Provider); !ok {
					return fmt.Errorf("%s: unknown provider %q", where, s.Provider)
				}
			}
		}
	}
	return nil
}

func validSource(src string) bool {
	switch src {
	case "identity.id", "identity.role", "identity.tenant":
		return true
	}
	for _, prefix := range []string{"attr.", "env.", "literal."} {
		if strings.HasPrefix(src, prefix) && len(src) > len(prefix) {
			return true
		}
	}
	return false
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatSingleValidationError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	}
	return fmt.Sprintf("%s failed %s validation", field, e.Tag())
}
