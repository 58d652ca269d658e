package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	// DefaultPath is the configuration file used when no flag is given.
	DefaultPath = "config/config.yml"
)

const (
	EnvironmentDevelopment = environmentDevelopment
	EnvironmentProduction  = environmentProduction
	EnvironmentStaging     = environmentStaging
)

var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// getAppEnvironment reads APP_ENV and defaults to development.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// AppEnvironment exposes the normalised APP_ENV value.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether env should behave like a production
// deployment. Production-like environments refuse to start without an
// explicit configuration file.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// envSpecificPath turns config/config.yml into config/config.<env>.yml.
func envSpecificPath(path, env string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + env + ext
}

// ResolvePath picks the configuration file to load. An explicit path wins.
// Otherwise config/config.<env>.yml is used when it exists, falling back to
// DefaultPath.
func ResolvePath(path string) (string, error) {
	if path != "" && path != DefaultPath {
		return path, nil
	}

	env := getAppEnvironment()
	candidate := envSpecificPath(DefaultPath, env)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	if _, err := os.Stat(DefaultPath); err != nil {
		if IsProductionLike(env) {
			return "", fmt.Errorf("no configuration file for environment %s: %w", env, err)
		}
	}
	return DefaultPath, nil
}
