// Package auth guards the pharosd API with static bearer tokens. Each token
// maps to a Subject carrying the permissions checked by Middleware.
package auth
