// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"context"
	"fmt"

	"github.com/samber/oops"

	"github.com/holomush/plugind/internal/plugin"
	"github.com/holomush/plugind/internal/plugin/capability"
)

type permissionScope struct {
	max  int
	deny *capability.Matcher
}

func newPermissionScope(cfg Config) (*permissionScope, error) {
	deny, err := capability.NewMatcher(cfg.DeniedPermissions)
	if err != nil {
		return nil, oops.Code("INVALID_SECURITY_CONFIG").With("field", "denied_permissions").Wrap(err)
	}
	return &permissionScope{max: cfg.MaxPermissions, deny: deny}, nil
}

func (s *permissionScope) check(_ context.Context, ic *InstallContext) error {
	if ic.Manifest == nil {
		return fmt.Errorf("permission stage requires a validated manifest")
	}
	perms := ic.Manifest.Manifest.Permissions
	if len(perms) > s.max {
		return plugin.SecurityError(plugin.CodeTooManyPermissions, SeverityOf(plugin.CodeTooManyPermissions), nil,
			"plugin requests %d permissions, the maximum is %d", len(perms), s.max)
	}
	for _, perm := range perms {
		if pattern, denied := s.deny.Match(perm); denied {
			return plugin.SecurityError(plugin.CodeDeniedPermission, SeverityOf(plugin.CodeDeniedPermission), nil,
				"permission %q is denied by policy %q", perm, pattern)
		}
	}
	return nil
}
