package webauthn

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/changeloghq/authkit/config"
	"github.com/changeloghq/authkit/services/audit"
	"github.com/changeloghq/authkit/services/logging"
	"github.com/changeloghq/authkit/services/user"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrPasskeyNotFound      = errors.New("passkey not found")
	ErrChallengeInvalid     = errors.New("invalid or expired challenge session")
	ErrCloneDetected        = errors.New("passkey signature counter did not advance")
	ErrNoPasskeysRegistered = errors.New("user has no registered passkeys")
)

type Service struct {
	config   *config.Config
	db       *gorm.DB
	users    *user.Service
	webauthn *webauthn.WebAuthn
	audit    audit.Recorder
	logger   *logging.Service
}

func NewService(cfg *config.Config, db *gorm.DB, users *user.Service, logger *logging.Service) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WebAuthn: %w", err)
	}

	return &Service{
		config:   cfg,
		db:       db,
		users:    users,
		webauthn: wa,
		logger:   logger,
	}, nil
}

func (s *Service) SetAuditRecorder(recorder audit.Recorder) {
	s.audit = recorder
}

// BeginRegistration starts a credential creation ceremony. The returned
// options go to the browser; the challenge token comes back with the
// attestation response to locate the stored session.
func (s *Service) BeginRegistration(userID uint) (*protocol.CredentialCreation, string, error) {
	wu, err := s.webauthnUser(userID)
	if err != nil {
		return nil, "", err
	}

	// Exclude already-registered credentials so the browser prompts for a
	// new authenticator instead of re-registering an existing one.
	exclusions := make([]protocol.CredentialDescriptor, 0, len(wu.credentials))
	for _, cred := range wu.credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}

	options, sessionData, err := s.webauthn.BeginRegistration(wu,
		webauthn.WithExclusions(exclusions))
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to begin passkey registration",
				zap.Error(err),
				zap.Uint("user_id", userID))
		}
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}

	token, err := s.storeChallenge(userID, CeremonyRegistration, sessionData)
	if err != nil {
		return nil, "", err
	}

	return options, token, nil
}

// FinishRegistration consumes the challenge session and stores the new
// credential.
func (s *Service) FinishRegistration(userID uint, challengeToken, name string, r *http.Request) (*Passkey, error) {
	sessionData, err := s.consumeChallenge(userID, CeremonyRegistration, challengeToken)
	if err != nil {
		return nil, err
	}

	wu, err := s.webauthnUser(userID)
	if err != nil {
		return nil, err
	}

	credential, err := s.webauthn.FinishRegistration(wu, *sessionData, r)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("passkey registration failed",
				zap.Error(err),
				zap.Uint("user_id", userID))
		}
		return nil, fmt.Errorf("failed to finish registration: %w", err)
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	passkey := &Passkey{
		UserID:          userID,
		Name:            name,
		CredentialID:    base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		Transports:      strings.Join(transports, ","),
		SignCount:       credential.Authenticator.SignCount,
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
	}

	if err := s.db.Create(passkey).Error; err != nil {
		return nil, fmt.Errorf("failed to store passkey: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("passkey registered",
			zap.Uint("user_id", userID),
			zap.Uint("passkey_id", passkey.ID),
			zap.String("name", name))
	}

	return passkey, nil
}

// BeginLogin starts an assertion ceremony against the user's registered
// credentials.
func (s *Service) BeginLogin(userID uint) (*protocol.CredentialAssertion, string, error) {
	wu, err := s.webauthnUser(userID)
	if err != nil {
		return nil, "", err
	}

	if len(wu.credentials) == 0 {
		return nil, "", ErrNoPasskeysRegistered
	}

	options, sessionData, err := s.webauthn.BeginLogin(wu)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to begin passkey login",
				zap.Error(err),
				zap.Uint("user_id", userID))
		}
		return nil, "", fmt.Errorf("failed to begin login: %w", err)
	}

	token, err := s.storeChallenge(userID, CeremonyLogin, sessionData)
	if err != nil {
		return nil, "", err
	}

	return options, token, nil
}

// FinishLogin verifies the assertion. When both the stored and presented
// signature counters are nonzero the presented one must be strictly greater;
// anything else is treated as a cloned authenticator and the login fails.
// The counter advance and last-used touch commit in the same transaction as
// the check.
func (s *Service) FinishLogin(userID uint, challengeToken string, r *http.Request) (*Passkey, error) {
	sessionData, err := s.consumeChallenge(userID, CeremonyLogin, challengeToken)
	if err != nil {
		return nil, err
	}

	wu, err := s.webauthnUser(userID)
	if err != nil {
		return nil, err
	}

	credential, err := s.webauthn.FinishLogin(wu, *sessionData, r)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("passkey login failed",
				zap.Error(err),
				zap.Uint("user_id", userID))
		}
		return nil, fmt.Errorf("failed to finish login: %w", err)
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)

	var passkey Passkey
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("credential_id = ? AND user_id = ?", credentialID, userID).First(&passkey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPasskeyNotFound
			}
			return fmt.Errorf("database error: %w", err)
		}

		newCount := credential.Authenticator.SignCount
		if passkey.SignCount > 0 && newCount > 0 && newCount <= passkey.SignCount {
			if s.logger != nil {
				s.logger.Warn("passkey counter regression - possible cloned credential",
					zap.Uint("user_id", userID),
					zap.Uint("passkey_id", passkey.ID),
					zap.Uint32("stored_count", passkey.SignCount),
					zap.Uint32("presented_count", newCount))
			}
			if s.audit != nil {
				s.audit.Record(audit.ActionPasskeyCloneWarning, userID, passkey.ID, map[string]any{
					"stored_count":    passkey.SignCount,
					"presented_count": newCount,
				})
			}
			return ErrCloneDetected
		}

		now := time.Now()
		if err := tx.Model(&Passkey{}).Where("id = ?", passkey.ID).Updates(map[string]any{
			"sign_count":   newCount,
			"last_used_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to update passkey counter: %w", err)
		}

		passkey.SignCount = newCount
		passkey.LastUsedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("passkey login verified",
			zap.Uint("user_id", userID),
			zap.Uint("passkey_id", passkey.ID))
	}

	return &passkey, nil
}

func (s *Service) ListForUser(userID uint) ([]Passkey, error) {
	var passkeys []Passkey
	err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&passkeys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	return passkeys, nil
}

// CountForUser reports how many passkeys a user has. Two-factor policy
// checks use this as the precondition for passkey-based modes.
func (s *Service) CountForUser(userID uint) (int64, error) {
	var count int64
	err := s.db.Model(&Passkey{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count passkeys: %w", err)
	}
	return count, nil
}

func (s *Service) Rename(userID, passkeyID uint, name string) error {
	result := s.db.Model(&Passkey{}).
		Where("id = ? AND user_id = ?", passkeyID, userID).
		Update("name", name)
	if result.Error != nil {
		return fmt.Errorf("failed to rename passkey: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPasskeyNotFound
	}
	return nil
}

func (s *Service) Delete(userID, passkeyID uint) error {
	result := s.db.Where("id = ? AND user_id = ?", passkeyID, userID).Delete(&Passkey{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete passkey: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPasskeyNotFound
	}

	if s.logger != nil {
		s.logger.Info("passkey deleted", zap.Uint("user_id", userID), zap.Uint("passkey_id", passkeyID))
	}
	return nil
}

// CleanupExpiredChallenges removes ceremony sessions that were never
// finished.
func (s *Service) CleanupExpiredChallenges() error {
	result := s.db.Where("expires_at < ?", time.Now()).Delete(&ChallengeSession{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup challenge sessions: %w", result.Error)
	}

	if s.logger != nil && result.RowsAffected > 0 {
		s.logger.Info("expired challenge sessions cleaned up",
			zap.Int64("sessions_removed", result.RowsAffected))
	}
	return nil
}

func (s *Service) storeChallenge(userID uint, ceremony string, sessionData *webauthn.SessionData) (string, error) {
	payload, err := json.Marshal(sessionData)
	if err != nil {
		return "", fmt.Errorf("failed to encode session data: %w", err)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate challenge token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)

	session := &ChallengeSession{
		TokenHash:   hashToken(token),
		UserID:      userID,
		Ceremony:    ceremony,
		SessionData: payload,
		ExpiresAt:   time.Now().Add(s.config.WebAuthn.ChallengeExpiry),
	}

	if err := s.db.Create(session).Error; err != nil {
		return "", fmt.Errorf("failed to store challenge session: %w", err)
	}

	return token, nil
}

// consumeChallenge deletes the session row as it reads it, so a challenge
// can only ever finish one ceremony.
func (s *Service) consumeChallenge(userID uint, ceremony, token string) (*webauthn.SessionData, error) {
	var session ChallengeSession
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("token_hash = ? AND user_id = ? AND ceremony = ?", hashToken(token), userID, ceremony).
			First(&session).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeInvalid
			}
			return fmt.Errorf("database error: %w", err)
		}

		result := tx.Where("id = ?", session.ID).Delete(&ChallengeSession{})
		if result.Error != nil {
			return fmt.Errorf("failed to consume challenge session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrChallengeInvalid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if time.Now().After(session.ExpiresAt) {
		if s.logger != nil {
			s.logger.Warn("expired challenge session presented",
				zap.Uint("user_id", userID),
				zap.String("ceremony", ceremony))
		}
		return nil, ErrChallengeInvalid
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal(session.SessionData, &sessionData); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}

	return &sessionData, nil
}

func (s *Service) webauthnUser(userID uint) (*webauthnUser, error) {
	u, err := s.users.FindByID(userID)
	if err != nil {
		return nil, err
	}

	passkeys, err := s.ListForUser(userID)
	if err != nil {
		return nil, err
	}

	credentials := make([]webauthn.Credential, 0, len(passkeys))
	for _, pk := range passkeys {
		credID, err := base64.RawURLEncoding.DecodeString(pk.CredentialID)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("stored credential ID is not valid base64",
					zap.Uint("passkey_id", pk.ID))
			}
			continue
		}

		var transports []protocol.AuthenticatorTransport
		if pk.Transports != "" {
			for _, t := range strings.Split(pk.Transports, ",") {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}

		credentials = append(credentials, webauthn.Credential{
			ID:              credID,
			PublicKey:       pk.PublicKey,
			AttestationType: pk.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: pk.BackupEligible,
				BackupState:    pk.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				SignCount: pk.SignCount,
			},
		})
	}

	return &webauthnUser{user: u, credentials: credentials}, nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
