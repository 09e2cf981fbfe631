package port

import (
	"github.com/vertextoedge/resumable-downloader/internal/domain/repository"
)

// SessionRepository is an alias to domain repository interface
type SessionRepository = repository.SessionRepository

// Store is an alias to domain repository interface
type Store = repository.Store
