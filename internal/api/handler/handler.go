package handler

import (
	"vidmatch/backend/internal/chathub"
	"vidmatch/backend/internal/sfu"
	"vidmatch/backend/internal/storage"
)

// Handler carries the hub and storage references the HTTP surface needs.
type Handler struct {
	Hub     *chathub.ManagerService
	Storage storage.Storage
	Engine  *sfu.Engine
}

func NewHandler(hub *chathub.ManagerService, s storage.Storage, engine *sfu.Engine) *Handler {
	return &Handler{Hub: hub, Storage: s, Engine: engine}
}
