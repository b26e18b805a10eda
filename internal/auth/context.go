// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	organizationIDKey contextKey = "organization_id"
	registerIDKey     contextKey = "register_id"
)

// SetOrganizationID sets the organization ID in the context
func SetOrganizationID(ctx context.Context, organizationID string) context.Context {
	return context.WithValue(ctx, organizationIDKey, organizationID)
}

// GetOrganizationID retrieves the organization ID from the context
func GetOrganizationID(ctx context.Context) (string, bool) {
	organizationID, ok := ctx.Value(organizationIDKey).(string)
	return organizationID, ok
}

// SetRegisterID sets the register ID in the context
func SetRegisterID(ctx context.Context, registerID string) context.Context {
	return context.WithValue(ctx, registerIDKey, registerID)
}

// GetRegisterID retrieves the register ID from the context
func GetRegisterID(ctx context.Context) (string, bool) {
	registerID, ok := ctx.Value(registerIDKey).(string)
	return registerID, ok
}

// SetAuthContext sets both organization and register identity
func SetAuthContext(ctx context.Context, organizationID, registerID string) context.Context {
	ctx = SetOrganizationID(ctx, organizationID)
	return SetRegisterID(ctx, registerID)
}
