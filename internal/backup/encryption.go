package backup

import (
	"context"

	"github.com/basekick-labs/keepsake/internal/backuperr"
	"github.com/basekick-labs/keepsake/internal/encryption"
)

// EnableEncryption derives and persists a new encryption state from password.
// Later backups include resources that require encryption.
func (s *Service) EnableEncryption(ctx context.Context, password string) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	current, err := s.gate.Load(ctx)
	if err != nil {
		return err
	}
	if current != nil {
		return backuperr.New(backuperr.KindEncryptionAlreadyEnabled, "encryption is already enabled")
	}

	st, err := encryption.Initialize(password)
	if err != nil {
		return err
	}
	if err := s.gate.Store(st); err != nil {
		return err
	}

	s.update(func(state *State) { state.EncryptionEnabled = true })
	s.logger.Info().Msg("Backup encryption enabled")
	return nil
}

// DisableEncryption deletes the persisted encryption state.
func (s *Service) DisableEncryption(ctx context.Context) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	current, err := s.gate.Load(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return backuperr.New(backuperr.KindEncryptionAlreadyDisabled, "encryption is already disabled")
	}
	if err := s.gate.Clear(); err != nil {
		return err
	}

	s.update(func(state *State) { state.EncryptionEnabled = false })
	s.logger.Info().Msg("Backup encryption disabled")
	return nil
}
