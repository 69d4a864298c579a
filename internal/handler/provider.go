package handler

import "github.com/google/wire"

// Handlers aggregates the route handlers for server assembly.
type Handlers struct {
	Auth   *AuthHandler
	Chat   *ChatHandler
	Models *ModelsHandler
	Jobs   *JobsHandler
	System *SystemHandler
	Health *HealthHandler
}

func NewHandlers(auth *AuthHandler, chat *ChatHandler, models *ModelsHandler, jobs *JobsHandler, system *SystemHandler, health *HealthHandler) *Handlers {
	return &Handlers{
		Auth:   auth,
		Chat:   chat,
		Models: models,
		Jobs:   jobs,
		System: system,
		Health: health,
	}
}

var ProviderSet = wire.NewSet(
	NewAuthHandler,
	NewChatHandler,
	NewModelsHandler,
	NewJobsHandler,
	NewSystemHandler,
	NewHealthHandler,
	NewHandlers,
)
