// Package config loads and saves the strut configuration file.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".strut"
	configFile string = "config.yml"
)

// SubstitutePathRule describes a rule for substitution of source file paths
// between the client and the debug engine.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches From.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// EvalTimeout bounds a single expression evaluation issued to the
	// engine. Zero means the built-in default.
	EvalTimeout time.Duration `yaml:"eval-timeout,omitempty"`

	// DisconnectWait bounds how long a disconnect request waits for the
	// engine to report process termination. Zero means the built-in default.
	DisconnectWait time.Duration `yaml:"disconnect-wait,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Closing config file failed: %v.\n", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return &Config{}
	}
	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	f.Seek(0, os.SEEK_SET)
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the strut debug adapter.

# Rules mapping client source paths to engine source paths.
# substitute-path:
#   - {from: path, to: path}

# Bound on a single expression evaluation, e.g. 5s.
# eval-timeout: 5s

# Bound on the wait for process termination during disconnect.
# disconnect-wait: 5s
`)
	return err
}

// createConfigPath creates the directory structure at which all config files
// are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(filename string) (string, error) {
	if configPath := os.Getenv("STRUT_HOME"); configPath != "" {
		return path.Join(configPath, filename), nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, filename), nil
}
