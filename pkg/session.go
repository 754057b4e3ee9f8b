package payroll

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	hashVersion = "1"
	tokenIssuer = "payroll"
)

// VersionedHash hashes a passcode as "<bcrypt>|1", or as bare SHA256 hex
// for the legacy format.
func VersionedHash(passcode string, legacy bool) (string, error) {
	if legacy {
		sum := sha256.Sum256([]byte(passcode))
		return hex.EncodeToString(sum[:]), nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h) + "|" + hashVersion, nil
}

// DecodeVersionedHash splits a stored hash; legacy hashes have no version.
func DecodeVersionedHash(stored string) (hash, version string) {
	hash, version, _ = strings.Cut(stored, "|")
	return hash, version
}

// Session guards access with the local passcode and restores in-flight
// payout state when a view returns within the activity window.
type Session struct {
	storage *Storage
	bus     *MessageBus
	window  time.Duration
	secret  []byte
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewSession(storage *Storage, bus *MessageBus, conf Config) *Session {
	window := conf.Payroll.ActivityWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Session{
		storage: storage,
		bus:     bus,
		window:  window,
		secret:  []byte(conf.WebAPI.JWTSecret),
		ttl:     conf.WebAPI.TokenTTL,
		log:     zap.L().Named("session"),
		now:     time.Now,
	}
}

type AuthResult struct {
	// true when this login set the passcode for the first time
	Created bool   `json:"created"`
	Token   string `json:"token,omitempty"`
}

// Authenticate checks the passcode, setting it on first use and upgrading
// a legacy hash after a successful match.
func (s *Session) Authenticate(ctx context.Context, passcode string) (AuthResult, error) {
	if passcode == "" {
		return AuthResult{}, NewErr(BadRequest, "This field is required.")
	}
	stored, err := s.storage.PasscodeHash(ctx)
	if err != nil {
		return AuthResult{}, err
	}
	created := false
	switch hash, version := DecodeVersionedHash(stored); {
	case stored == "":
		if err := s.setPasscode(ctx, passcode); err != nil {
			return AuthResult{}, err
		}
		created = true
	case version == hashVersion:
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)) != nil {
			return AuthResult{}, UserErr(WrongPasscode)
		}
	default:
		legacy, _ := VersionedHash(passcode, true)
		if subtle.ConstantTimeCompare([]byte(legacy), []byte(hash)) != 1 {
			return AuthResult{}, UserErr(WrongPasscode)
		}
		if err := s.setPasscode(ctx, passcode); err != nil {
			s.log.Warn("upgrade legacy passcode hash", zap.Error(err))
		}
	}
	if err := s.Touch(ctx); err != nil {
		s.log.Warn("record activity", zap.Error(err))
	}
	token, err := s.issueToken()
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Created: created, Token: token}, nil
}

func (s *Session) setPasscode(ctx context.Context, passcode string) error {
	h, err := VersionedHash(passcode, false)
	if err != nil {
		return err
	}
	return s.storage.SavePasscodeHash(ctx, h)
}

// Touch records user activity now.
func (s *Session) Touch(ctx context.Context) error {
	return s.storage.SaveLastActivity(ctx, s.now())
}

// Active reports whether the last activity is inside the window.
func (s *Session) Active(ctx context.Context) (bool, error) {
	last, err := s.storage.LastActivity(ctx)
	if err != nil || last.IsZero() {
		return false, err
	}
	return s.now().Sub(last) < s.window, nil
}

type RestoreResult struct {
	Resumed  bool      `json:"resumed"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Restore starts a view session. Within the activity window the saved
// snapshot is handed back for resumption; either way it is cleared.
func (s *Session) Restore(ctx context.Context) (RestoreResult, error) {
	active, err := s.Active(ctx)
	if err != nil {
		return RestoreResult{}, err
	}
	var snap *Snapshot
	if active {
		snap, err = s.storage.Snapshot(ctx)
		if err != nil {
			return RestoreResult{}, err
		}
	}
	if err := s.storage.ClearSnapshot(ctx); err != nil {
		s.log.Warn("clear snapshot", zap.Error(err))
	}
	return RestoreResult{Resumed: active, Snapshot: snap}, nil
}

// WatchPayout subscribes to the payout notifications for one hash. The
// caller must Close the returned subscription.
func (s *Session) WatchPayout(hash string) *Subscription {
	return WatchPayout(s.bus, hash)
}

func WatchPayout(bus *MessageBus, hash string) *Subscription {
	return bus.Subscribe(func(m Message) bool {
		return PayoutNoticeHash(m) == hash
	}, PAY_INITIATED, PAY_COMPLETED, PAY_FAILED)
}

func PayoutNoticeHash(m Message) string {
	var n PayoutNotice
	if err := json.Unmarshal(m.Message, &n); err != nil {
		return ""
	}
	return n.Hash
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

func (s *Session) issueToken() (string, error) {
	if len(s.secret) == 0 {
		return "", nil
	}
	now := s.now()
	ttl := s.ttl
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	claims := sessionClaims{jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "owner",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyToken validates a relay access token.
func (s *Session) VerifyToken(token string) error {
	if len(s.secret) == 0 {
		return NewErr(Unauthorized, "relay authentication is not configured")
	}
	_, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return NewErr(Unauthorized, "invalid token: %v", err)
	}
	return nil
}
