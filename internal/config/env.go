package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const TokenEnv = "AUTH_TOKEN"

var ErrMissingToken = errors.New(TokenEnv + " environment variable is not set")

// Env holds values read from the process environment.
type Env struct {
	AuthToken string `env:"AUTH_TOKEN" env-required:"true"`
}

// CredentialError carries the diagnostics printed when the token is missing.
type CredentialError struct {
	EnvPath    string
	WorkDir    string
	AppDir     string
	EnvExists  bool
	TokenLine  bool // .env has an AUTH_TOKEN line that did not yield a value
	ReadFailed error
}

func (e *CredentialError) Error() string { return ErrMissingToken.Error() }

func (e *CredentialError) Unwrap() error { return ErrMissingToken }

// Lines returns the human-readable diagnostics, one per line. Token values are never included.
func (e *CredentialError) Lines() []string {
	lines := []string{
		ErrMissingToken.Error() + "!",
		"Looking for .env file at: " + e.EnvPath,
		"Current working directory: " + e.WorkDir,
		"Application path: " + e.AppDir,
	}
	switch {
	case !e.EnvExists:
		lines = append(lines, ".env file does not exist")
	case e.ReadFailed != nil:
		lines = append(lines, "Manual .env read failed: "+e.ReadFailed.Error())
	case e.TokenLine:
		lines = append(lines, ".env contains an "+TokenEnv+" line but it has no usable value")
	default:
		lines = append(lines, ".env has no "+TokenEnv+" line")
	}
	return lines
}

// ApplicationDir returns the directory of the running executable,
// falling back to the working directory.
func ApplicationDir() string {
	exe, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		return wd
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// LoadEnv loads <appDir>/.env (then ./.env) without overriding variables
// already set, and reads the credential. A missing token yields *CredentialError.
func LoadEnv(appDir string) (Env, error) {
	envPath := filepath.Join(appDir, ".env")
	_ = godotenv.Load(envPath)
	if wd, err := os.Getwd(); err == nil && filepath.Clean(wd) != filepath.Clean(appDir) {
		_ = godotenv.Load(filepath.Join(wd, ".env"))
	}

	var env Env
	err := cleanenv.ReadEnv(&env)
	if err == nil && strings.TrimSpace(env.AuthToken) != "" {
		env.AuthToken = strings.TrimSpace(env.AuthToken)
		return env, nil
	}
	return Env{}, diagnoseCredential(envPath, appDir)
}

func diagnoseCredential(envPath, appDir string) *CredentialError {
	wd, _ := os.Getwd()
	ce := &CredentialError{EnvPath: envPath, WorkDir: wd, AppDir: appDir}

	f, err := os.Open(envPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			ce.EnvExists = true
			ce.ReadFailed = err
		}
		return ce
	}
	defer f.Close()
	ce.EnvExists = true

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.HasPrefix(strings.TrimSpace(sc.Text()), TokenEnv) {
			ce.TokenLine = true
		}
	}
	if err := sc.Err(); err != nil {
		ce.ReadFailed = fmt.Errorf("scan %s: %w", envPath, err)
	}
	return ce
}
