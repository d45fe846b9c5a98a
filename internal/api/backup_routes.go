package api

import (
	"context"
	"errors"
	"time"

	"github.com/basekick-labs/keepsake/internal/archive"
	"github.com/basekick-labs/keepsake/internal/backup"
	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// BackupService is the part of backup.Service the API drives.
type BackupService interface {
	State() backup.State
	CreateBackup(ctx context.Context) *backup.BackupResult
	DeleteLastBackup(ctx context.Context) error
	EnableEncryption(ctx context.Context, password string) error
	DisableEncryption(ctx context.Context) error
	SampleArchive(path string) (*archive.Sample, error)
	RecoverFromBackupArchive(ctx context.Context, path string, recoveryCode []byte, opts backup.RecoverOptions) (*backup.Profile, error)
}

// Scheduler is the part of the backup scheduler the API drives. May be nil.
type Scheduler interface {
	SetEnabled(enabled bool)
	DataDeleted(reason string)
	Status() map[string]interface{}
}

// BackupHandler handles backup, encryption and recovery API operations.
type BackupHandler struct {
	service   BackupService
	scheduler Scheduler
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewBackupHandler creates a new backup handler.
func NewBackupHandler(service BackupService, scheduler Scheduler, logger zerolog.Logger) *BackupHandler {
	return &BackupHandler{
		service:   service,
		scheduler: scheduler,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With().Str("component", "backup-api").Logger(),
	}
}

// RegisterRoutes registers backup API routes.
func (h *BackupHandler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/api/v1/backup")

	group.Get("/state", h.GetState)
	group.Post("/", h.CreateBackup)
	group.Delete("/last", h.DeleteLastBackup)
	group.Post("/encryption", h.EnableEncryption)
	group.Delete("/encryption", h.DisableEncryption)
	group.Post("/sample", h.SampleArchive)
	group.Post("/recover", h.Recover)
	group.Get("/scheduler", h.SchedulerStatus)
	group.Put("/scheduler", h.SetSchedulerEnabled)
	group.Post("/signals/data-deleted", h.DataDeleted)
}

// GetState returns the service's observable state.
// GET /api/v1/backup/state
func (h *BackupHandler) GetState(c *fiber.Ctx) error {
	return c.JSON(h.service.State())
}

// CreateBackup starts a backup in the background.
// POST /api/v1/backup
func (h *BackupHandler) CreateBackup(c *fiber.Ctx) error {
	if st := h.service.State(); st.BackupInProgress || st.RecoveryInProgress {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":                "A backup or recovery is already in progress",
			"backup_in_progress":   st.BackupInProgress,
			"recovery_in_progress": st.RecoveryInProgress,
		})
	}

	// Fiber recycles c.Context() after the handler returns, so the backup
	// runs on a detached context.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		h.service.CreateBackup(ctx)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Backup started",
		"status":  "running",
	})
}

// DeleteLastBackup removes the most recent archive.
// DELETE /api/v1/backup/last
func (h *BackupHandler) DeleteLastBackup(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	if err := h.service.DeleteLastBackup(ctx); err != nil {
		return h.errorResponse(c, err, "Failed to delete last backup")
	}
	return c.JSON(fiber.Map{"message": "Last backup deleted"})
}

// EncryptionRequest is the request body for POST /api/v1/backup/encryption.
type EncryptionRequest struct {
	Password string `json:"password" validate:"required"`
}

// EnableEncryption derives and persists a new encryption state.
// POST /api/v1/backup/encryption
func (h *BackupHandler) EnableEncryption(c *fiber.Ctx) error {
	var req EncryptionRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), time.Minute)
	defer cancel()

	if err := h.service.EnableEncryption(ctx, req.Password); err != nil {
		return h.errorResponse(c, err, "Failed to enable encryption")
	}
	return c.JSON(fiber.Map{"message": "Encryption enabled", "encryption_enabled": true})
}

// DisableEncryption deletes the encryption state.
// DELETE /api/v1/backup/encryption
func (h *BackupHandler) DisableEncryption(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	if err := h.service.DisableEncryption(ctx); err != nil {
		return h.errorResponse(c, err, "Failed to disable encryption")
	}
	return c.JSON(fiber.Map{"message": "Encryption disabled", "encryption_enabled": false})
}

// PathRequest names an archive on the local filesystem.
type PathRequest struct {
	Path string `json:"path" validate:"required"`
}

// SampleArchive reads an archive's header without extracting it.
// POST /api/v1/backup/sample
func (h *BackupHandler) SampleArchive(c *fiber.Ctx) error {
	var req PathRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	sample, err := h.service.SampleArchive(req.Path)
	if err != nil {
		return h.errorResponse(c, err, "Failed to sample archive")
	}
	return c.JSON(sample)
}

// RecoverRequest is the request body for POST /api/v1/backup/recover.
type RecoverRequest struct {
	Path         string `json:"path" validate:"required"`
	RecoveryCode string `json:"recovery_code"`
	ProfileName  string `json:"profile_name"`
	Launch       bool   `json:"launch"`
}

// Recover restores an archive into a new profile.
// POST /api/v1/backup/recover
func (h *BackupHandler) Recover(c *fiber.Ctx) error {
	var req RecoverRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Hour)
	defer cancel()

	var code []byte
	if req.RecoveryCode != "" {
		code = []byte(req.RecoveryCode)
	}
	profile, err := h.service.RecoverFromBackupArchive(ctx, req.Path, code, backup.RecoverOptions{
		ProfileName: req.ProfileName,
		Launch:      req.Launch,
	})
	if err != nil {
		return h.errorResponse(c, err, "Recovery failed")
	}
	return c.JSON(profile)
}

// SchedulerStatus reports the scheduler's state.
// GET /api/v1/backup/scheduler
func (h *BackupHandler) SchedulerStatus(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.JSON(fiber.Map{"running": false})
	}
	return c.JSON(h.scheduler.Status())
}

// SchedulerRequest toggles scheduled backups.
type SchedulerRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SetSchedulerEnabled turns scheduled backups on or off.
// PUT /api/v1/backup/scheduler
func (h *BackupHandler) SetSchedulerEnabled(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Scheduler is not running",
		})
	}
	var req SchedulerRequest
	if err := h.parse(c, &req); err != nil {
		return err
	}
	h.scheduler.SetEnabled(*req.Enabled)
	return c.JSON(h.scheduler.Status())
}

// DataDeleted tells the scheduler the user cleared data that may still be in
// the last archive.
// POST /api/v1/backup/signals/data-deleted
func (h *BackupHandler) DataDeleted(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Scheduler is not running",
		})
	}
	reason := c.Query("reason", "api")
	h.scheduler.DataDeleted(reason)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Backup regeneration scheduled",
	})
}

// parse decodes and validates the JSON body into req. Failures surface as 400s.
func (h *BackupHandler) parse(c *fiber.Ctx, req interface{}) error {
	if err := c.BodyParser(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// errorResponse maps a kinded error to an HTTP status.
func (h *BackupHandler) errorResponse(c *fiber.Ctx, err error, msg string) error {
	kind := backuperr.KindOf(err)

	status := fiber.StatusInternalServerError
	switch kind {
	case backuperr.KindEncryptionAlreadyEnabled, backuperr.KindEncryptionAlreadyDisabled:
		status = fiber.StatusConflict
	case backuperr.KindInvalidPassword, backuperr.KindCorruptedArchive,
		backuperr.KindUnsupportedBackupVersion, backuperr.KindUnsupportedApplication:
		status = fiber.StatusUnprocessableEntity
	case backuperr.KindUnauthorized:
		status = fiber.StatusUnauthorized
	}
	if errors.Is(err, backup.ErrRecoveryInProgress) {
		status = fiber.StatusConflict
	}

	if status >= 500 {
		h.logger.Error().Err(err).Str("kind", string(kind)).Msg(msg)
	}
	return c.Status(status).JSON(fiber.Map{
		"error":  msg,
		"kind":   kind,
		"detail": err.Error(),
	})
}
