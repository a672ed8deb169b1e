package auth

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category. Codes are stable API: HTTP
// surfaces and client SDKs branch on them, so renaming one is a breaking
// change.
type Code string

// Configuration errors.
const (
	CodeProviderNotConfigured Code = "PROVIDER_NOT_CONFIGURED"
	CodeEmailConfigRequired   Code = "EMAIL_CONFIG_REQUIRED"
	CodeMissingEnvVar         Code = "MISSING_ENV_VAR"
	CodeMissingCryptoFunction Code = "MISSING_CRYPTO_FUNCTION"
)

// Authentication errors.
const (
	CodeNotSignedIn             Code = "NOT_SIGNED_IN"
	CodeInvalidVerificationCode Code = "INVALID_VERIFICATION_CODE"
	CodeInvalidRefreshToken     Code = "INVALID_REFRESH_TOKEN"
	CodeSignInMissingParams     Code = "SIGN_IN_MISSING_PARAMS"
	CodeInvalidRedirect         Code = "INVALID_REDIRECT"

	// CodeSignInFailed is the single outcome for all expected credential
	// failures (bad secret, unknown account, rate limited) so that callers
	// cannot enumerate accounts by distinguishing them.
	CodeSignInFailed Code = "SIGN_IN_FAILED"
)

// Credentials errors. These are internal to the credentials flow — the
// dispatcher converts them to CodeSignInFailed before they reach a client.
const (
	CodeAccountAlreadyExists        Code = "ACCOUNT_ALREADY_EXISTS"
	CodeAccountNotFound             Code = "ACCOUNT_NOT_FOUND"
	CodeInvalidCredentialsProvider  Code = "INVALID_CREDENTIALS_PROVIDER"
	CodeInvalidSecret               Code = "INVALID_SECRET"
	CodeTooManyFailedAttempts       Code = "TOO_MANY_FAILED_ATTEMPTS"
)

// OAuth errors.
const (
	CodeOAuthMissingProvider Code = "OAUTH_MISSING_PROVIDER"
	CodeOAuthMissingVerifier Code = "OAUTH_MISSING_VERIFIER"
	CodeOAuthMissingIDToken  Code = "OAUTH_MISSING_ID_TOKEN"
	CodeOAuthInvalidState    Code = "OAUTH_INVALID_STATE"
	CodeOAuthInvalidProfile  Code = "OAUTH_INVALID_PROFILE"
	CodeOAuthProviderError   Code = "OAUTH_PROVIDER_ERROR"
)

// Passkey errors.
const (
	CodePasskeyInvalidClientData      Code = "PASSKEY_INVALID_CLIENT_DATA"
	CodePasskeyInvalidOrigin          Code = "PASSKEY_INVALID_ORIGIN"
	CodePasskeyInvalidChallenge       Code = "PASSKEY_INVALID_CHALLENGE"
	CodePasskeyRPMismatch             Code = "PASSKEY_RP_MISMATCH"
	CodePasskeyUserPresence           Code = "PASSKEY_USER_PRESENCE"
	CodePasskeyUserVerification       Code = "PASSKEY_USER_VERIFICATION"
	CodePasskeyNoCredential           Code = "PASSKEY_NO_CREDENTIAL"
	CodePasskeyUnsupportedAlgorithm   Code = "PASSKEY_UNSUPPORTED_ALGORITHM"
	CodePasskeyInvalidSignature       Code = "PASSKEY_INVALID_SIGNATURE"
	CodePasskeyUnknownCredential      Code = "PASSKEY_UNKNOWN_CREDENTIAL"
	CodePasskeyCounterError           Code = "PASSKEY_COUNTER_ERROR"
)

// TOTP errors.
const (
	CodeTOTPNotFound        Code = "TOTP_NOT_FOUND"
	CodeTOTPAlreadyVerified Code = "TOTP_ALREADY_VERIFIED"
	CodeTOTPInvalidCode     Code = "TOTP_INVALID_CODE"
	CodeTOTPInvalidVerifier Code = "TOTP_INVALID_VERIFIER"
	CodeTOTPNoEnrollment    Code = "TOTP_NO_ENROLLMENT"
)

// Device authorization errors.
const (
	CodeDeviceAuthorizationPending Code = "DEVICE_AUTHORIZATION_PENDING"
	CodeDeviceSlowDown             Code = "DEVICE_SLOW_DOWN"
	CodeDeviceCodeExpired          Code = "DEVICE_CODE_EXPIRED"
	CodeDeviceCodeDenied           Code = "DEVICE_CODE_DENIED"
	CodeDeviceInvalidUserCode      Code = "DEVICE_INVALID_USER_CODE"
	CodeDeviceAlreadyAuthorized    Code = "DEVICE_ALREADY_AUTHORIZED"
)

// API key errors.
const (
	CodeInvalidAPIKey      Code = "INVALID_API_KEY"
	CodeAPIKeyRevoked      Code = "API_KEY_REVOKED"
	CodeAPIKeyExpired      Code = "API_KEY_EXPIRED"
	CodeAPIKeyRateLimited  Code = "API_KEY_RATE_LIMITED"
	CodeAPIKeyInvalidScope Code = "API_KEY_INVALID_SCOPE"
)

// CodeInternal covers unexpected failures that should surface as a 500.
const CodeInternal Code = "INTERNAL_ERROR"

// Error is an auth failure tagged with a machine-readable code and a default
// human message. Two Errors compare equal under errors.Is when their codes
// match, so flows can wrap sentinel instances with context and callers can
// still branch on the code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
}

// Is reports code equality, making errors.Is(err, sentinel) work for any
// Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// newError creates an Error with the given code and message.
func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel instances for the codes flows raise directly. Compare with
// errors.Is; read the code for HTTP mapping via CodeOf.
var (
	ErrProviderNotConfigured = newError(CodeProviderNotConfigured, "provider is not configured")
	ErrEmailConfigRequired   = newError(CodeEmailConfigRequired, "email provider requires a send callback")
	ErrMissingCryptoFunction = newError(CodeMissingCryptoFunction, "credentials provider is missing a crypto function")

	ErrNotSignedIn             = newError(CodeNotSignedIn, "a signed-in user is required")
	ErrInvalidVerificationCode = newError(CodeInvalidVerificationCode, "verification code is invalid or expired")
	ErrInvalidRefreshToken     = newError(CodeInvalidRefreshToken, "refresh token is malformed")
	ErrSignInMissingParams     = newError(CodeSignInMissingParams, "required sign-in parameters are missing")
	ErrInvalidRedirect         = newError(CodeInvalidRedirect, "redirect target is not allowed")
	ErrSignInFailed            = newError(CodeSignInFailed, "sign-in failed")

	ErrAccountAlreadyExists       = newError(CodeAccountAlreadyExists, "account already exists")
	ErrAccountNotFound            = newError(CodeAccountNotFound, "account not found")
	ErrInvalidCredentialsProvider = newError(CodeInvalidCredentialsProvider, "provider does not support credentials")
	ErrInvalidSecret              = newError(CodeInvalidSecret, "secret does not match")
	ErrTooManyFailedAttempts      = newError(CodeTooManyFailedAttempts, "too many failed attempts, try again later")

	ErrOAuthMissingVerifier = newError(CodeOAuthMissingVerifier, "oauth verifier is missing or expired")
	ErrOAuthMissingIDToken  = newError(CodeOAuthMissingIDToken, "token response carries no id_token")
	ErrOAuthInvalidState    = newError(CodeOAuthInvalidState, "state does not match the stored verifier")
	ErrOAuthInvalidProfile  = newError(CodeOAuthInvalidProfile, "provider profile is missing a stable id")

	ErrTOTPNotFound        = newError(CodeTOTPNotFound, "no totp enrollment found")
	ErrTOTPAlreadyVerified = newError(CodeTOTPAlreadyVerified, "totp enrollment is already verified")
	ErrTOTPInvalidCode     = newError(CodeTOTPInvalidCode, "totp code is invalid")
	ErrTOTPInvalidVerifier = newError(CodeTOTPInvalidVerifier, "totp verifier is invalid or expired")
	ErrTOTPNoEnrollment    = newError(CodeTOTPNoEnrollment, "user has no verified totp enrollment")

	ErrDevicePending           = newError(CodeDeviceAuthorizationPending, "authorization pending")
	ErrDeviceSlowDown          = newError(CodeDeviceSlowDown, "polling too fast")
	ErrDeviceCodeExpired       = newError(CodeDeviceCodeExpired, "device code is expired or unknown")
	ErrDeviceCodeDenied        = newError(CodeDeviceCodeDenied, "authorization denied")
	ErrDeviceInvalidUserCode   = newError(CodeDeviceInvalidUserCode, "user code is invalid or expired")
	ErrDeviceAlreadyAuthorized = newError(CodeDeviceAlreadyAuthorized, "device is already authorized")

	ErrInvalidAPIKey      = newError(CodeInvalidAPIKey, "api key is invalid")
	ErrAPIKeyRevoked      = newError(CodeAPIKeyRevoked, "api key has been revoked")
	ErrAPIKeyExpired      = newError(CodeAPIKeyExpired, "api key has expired")
	ErrAPIKeyRateLimited  = newError(CodeAPIKeyRateLimited, "api key rate limit exceeded")
	ErrAPIKeyInvalidScope = newError(CodeAPIKeyInvalidScope, "scope is not permitted by configuration")
)

// CodeOf extracts the Code from err, unwrapping as needed. Returns
// CodeInternal for non-auth errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
