package repository

import "github.com/splax/deployctl/internal/domain"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = domain.ErrNotFound
