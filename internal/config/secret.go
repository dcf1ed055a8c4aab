package config

// Secret is a string type that redacts itself whenever it is printed,
// JSON/YAML-marshaled, or formatted with %#v — used for the gateway
// sign key and any other credential material that can reach a config
// file or log line.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString backs %#v formatting so a Secret never leaks via fmt.Printf
// debugging either.
func (s Secret) GoString() string {
	return redacted
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML
// (config.String() round-trips through yaml.Marshal for display).
func (s Secret) MarshalYAML() (interface{}, error) {
	return redacted, nil
}
