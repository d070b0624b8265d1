package rpool

import (
	"encoding/xml"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	// ConfigurationEnvKey names the environment variable that points at a
	// configuration document. Its value is treated first as a URL and then as
	// a file path.
	ConfigurationEnvKey = "RCONNECTIONPOOL_CONFIGURATION"

	// ServerCommandEnvKey names the environment variable that overrides the
	// default Rserve executable used to start embedded servers.
	ServerCommandEnvKey = "RSERVE_COMMAND"

	// DefaultConfigurationFile is the document searched for when the
	// environment does not specify one.
	DefaultConfigurationFile = "RConnectionPool.xml"

	defaultMaxConsecutiveFailures = 3
	defaultStartupProbeCount     = 30
	defaultStartupProbeInterval  = 200
)

// PoolConfig represents settings for creating/configuring pools.
type PoolConfig struct {
	XMLName xml.Name `xml:"RConnectionPool" json:"-"`

	// Servers lists the backend Rserve instances managed by the pool.
	Servers []*RServerConfig `xml:"RConfiguration>RServer" json:"Servers"`

	// MaxConsecutiveFailures is the number of consecutive connect failures a
	// server may accumulate before it is removed from the pool. Zero means
	// the default of three.
	MaxConsecutiveFailures int32 `xml:"RConfiguration>MaxConsecutiveFailures,omitempty" json:"MaxConsecutiveFailures"`

	// StartupProbeCount bounds how many times an embedded server is probed
	// for liveness after it has been spawned.
	StartupProbeCount int `xml:"-" json:"StartupProbeCount"`

	// StartupProbeInterval is the pause between liveness probes, in
	// milliseconds.
	StartupProbeInterval uint32 `xml:"-" json:"StartupProbeInterval"`
}

// RServerConfig represents one backend server entry of the configuration
// document.
type RServerConfig struct {
	Host     string `xml:"host,attr" json:"Host"`
	Port     int    `xml:"port,attr" json:"Port"`
	Username string `xml:"username,attr" json:"Username"`
	Password string `xml:"password,attr" json:"Password"`

	// Embedded marks a server the pool spawns itself and is responsible for
	// terminating on shutdown.
	Embedded bool `xml:"embedded,attr" json:"Embedded"`

	// Command is the executable used to spawn an embedded server. Empty means
	// the platform default, overridable through ServerCommandEnvKey.
	Command string `xml:"command,attr" json:"Command"`
}

// Endpoint converts the entry into an immutable server descriptor.
func (rc *RServerConfig) Endpoint() (ServerEndpoint, error) {
	return NewServerEndpointWithCredentials(rc.Host, rc.Port, rc.Username, rc.Password)
}

// CommandOrDefault resolves the executable used to start the server.
func (rc *RServerConfig) CommandOrDefault() string {
	if rc.Command != "" {
		return rc.Command
	}
	return DefaultServerCommand()
}

// DefaultServerCommand returns the Rserve executable name for this platform,
// honoring the ServerCommandEnvKey override. The command is assumed to be on
// the execution path unless fully qualified.
func DefaultServerCommand() string {
	if command := os.Getenv(ServerCommandEnvKey); command != "" {
		return command
	}
	if runtime.GOOS == "windows" {
		return "Rserve.exe"
	}
	return "Rserve"
}

func (pc *PoolConfig) applyDefaults() {
	if pc.MaxConsecutiveFailures <= 0 {
		pc.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if pc.StartupProbeCount <= 0 {
		pc.StartupProbeCount = defaultStartupProbeCount
	}
	if pc.StartupProbeInterval == 0 {
		pc.StartupProbeInterval = defaultStartupProbeInterval
	}
}

// ConvertXMLToConfig converts a configuration document held in memory.
func ConvertXMLToConfig(data []byte) (*PoolConfig, error) {

	config := &PoolConfig{}
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, configError("unreadable xml document: %v", err)
	}

	config.applyDefaults()
	return config, nil
}

// ConvertXMLFileToConfig opens a file.xml and converts to PoolConfig.
func ConvertXMLFileToConfig(fileNamePath string) (*PoolConfig, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, configError("%v", err)
	}

	return ConvertXMLToConfig(byteValue)
}

// ConvertJSONFileToConfig opens a file.json and converts to PoolConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*PoolConfig, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, configError("%v", err)
	}

	config := &PoolConfig{}
	var json = jsoniter.ConfigFastest
	if err = json.Unmarshal(byteValue, config); err != nil {
		return nil, configError("unreadable json document: %v", err)
	}

	config.applyDefaults()
	return config, nil
}

// LoadConfiguration resolves and reads the pool configuration document.
//
// If ConfigurationEnvKey is set, its value is treated first as a URL and then
// as a file path. Otherwise DefaultConfigurationFile is searched in the
// working directory and in config/.
func LoadConfiguration() (*PoolConfig, error) {

	if location := os.Getenv(ConfigurationEnvKey); location != "" {
		return LoadConfigurationFrom(location)
	}

	for _, candidate := range []string{
		DefaultConfigurationFile,
		filepath.Join("config", DefaultConfigurationFile),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return LoadConfigurationFrom(candidate)
		}
	}

	return nil, configError("no configuration document found, searched %s and config/%s",
		DefaultConfigurationFile, DefaultConfigurationFile)
}

// LoadConfigurationFrom reads a configuration document from a URL or a file
// path. Documents beginning with '<' parse as XML, anything else as JSON.
func LoadConfigurationFrom(location string) (*PoolConfig, error) {

	data, err := fetchConfiguration(location)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "<") {
		return ConvertXMLToConfig(data)
	}

	config := &PoolConfig{}
	var json = jsoniter.ConfigFastest
	if err = json.Unmarshal(data, config); err != nil {
		return nil, configError("unreadable document %s: %v", location, err)
	}

	config.applyDefaults()
	return config, nil
}

func fetchConfiguration(location string) ([]byte, error) {

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		resp, err := http.Get(location)
		if err != nil {
			return nil, configError("%v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, configError("fetching %s: %s", location, resp.Status)
		}
		data, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, configError("%v", err)
		}
		return data, nil
	}

	path := strings.TrimPrefix(location, "file://")
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, configError("%v", err)
	}
	return data, nil
}
