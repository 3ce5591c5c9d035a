package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"
)

// Codec parses, checks and canonicalizes one version band
type Codec interface {
	// Band returns the version band handled by the codec
	Band() Band
	// Keys returns the closed key set of a version in canonical order
	Keys(version int) []string

	parse(version int, r reader, s *Specification) error
	check(s *Specification, height uint32) error
	fields(s *Specification, order Ordering) (object, error)
}

var codecs = map[Band]Codec{
	BandV1:   singleCodec{band: BandV1},
	BandV2V3: singleCodec{band: BandV2V3},
	BandV4V6: composeCodec{band: BandV4V6},
	BandV7:   composeCodec{band: BandV7},
	BandV8:   composeCodec{band: BandV8},
}

var (
	nameRe    = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	repotagRe = regexp.MustCompile(`^[a-z0-9]+(?:[._/-][a-z0-9]+)*(?::[0-9]+)?(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*:[\w][\w.-]{0,127}$`)
)

// BandOf maps a specification version to its band
func BandOf(version int) (Band, error) {
	switch {
	case version == 1:
		return BandV1, nil
	case version == 2 || version == 3:
		return BandV2V3, nil
	case version >= 4 && version <= 6:
		return BandV4V6, nil
	case version == 7:
		return BandV7, nil
	case version == 8:
		return BandV8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// CodecFor returns the codec handling a version
func CodecFor(version int) (Codec, error) {
	band, err := BandOf(version)
	if err != nil {
		return nil, err
	}
	return codecs[band], nil
}

// Parse checks the key set and field types of a raw specification and
// returns its normalized form. Limits are not checked.
func Parse(raw map[string]interface{}) (*Specification, error) {
	r := reader{raw: raw}
	version, err := r.integer("version")
	if err != nil {
		return nil, err
	}
	codec, err := CodecFor(version)
	if err != nil {
		return nil, &ValidationError{Kind: KindOutOfRange, Field: "version", Message: err.Error()}
	}
	if err := r.closedKeys(codec.Keys(version)); err != nil {
		return nil, err
	}

	s := &Specification{Version: version}
	if s.Name, err = r.str("name"); err != nil {
		return nil, err
	}
	if s.Description, err = r.str("description"); err != nil {
		return nil, err
	}
	if s.Owner, err = r.str("owner"); err != nil {
		return nil, err
	}
	if err := codec.parse(version, r, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate parses a raw specification and enforces every limit that applies
// at the given chain height
func Validate(raw map[string]interface{}, height uint32) (*Specification, error) {
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := Check(s, height); err != nil {
		return nil, err
	}
	return s, nil
}

// Check enforces the limits of an already parsed specification
func Check(s *Specification, height uint32) error {
	codec, err := CodecFor(s.Version)
	if err != nil {
		return &ValidationError{Kind: KindOutOfRange, Field: "version", Message: err.Error()}
	}
	if err := checkIdentity(s); err != nil {
		return err
	}
	return codec.check(s, height)
}

// Format returns the canonical byte representation used for hashing and signing
func Format(s *Specification) ([]byte, error) {
	return Canonical(s, OrderCurrent)
}

// Canonical returns the byte representation of s in the given field order
func Canonical(s *Specification, order Ordering) ([]byte, error) {
	codec, err := CodecFor(s.Version)
	if err != nil {
		return nil, err
	}
	switch order {
	case OrderLegacyOwner:
		if s.Version > 3 {
			return nil, ErrUnsupportedOrdering
		}
	case OrderLegacyV7:
		if s.Version != 7 {
			return nil, ErrUnsupportedOrdering
		}
	}
	obj, err := codec.fields(s, order)
	if err != nil {
		return nil, err
	}
	return obj.MarshalJSON()
}

// Unmarshal decodes JSON bytes into a normalized specification
func Unmarshal(data []byte) (*Specification, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidType("specification", "JSON object")
	}
	return Parse(raw)
}

// MarshalJSON encodes the specification in canonical order
func (s *Specification) MarshalJSON() ([]byte, error) {
	return Format(s)
}

// UnmarshalJSON decodes and normalizes a specification
func (s *Specification) UnmarshalJSON(data []byte) error {
	parsed, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

func checkIdentity(s *Specification) error {
	if err := checkName("name", s.Name); err != nil {
		return err
	}
	if len(s.Description) > MaxDescriptionLength {
		return outOfRange("description", "longer than %d characters", MaxDescriptionLength)
	}
	if strings.TrimSpace(s.Owner) == "" {
		return missing("owner")
	}
	return nil
}

func checkName(path, name string) error {
	if name == "" {
		return missing(path)
	}
	if len(name) > MaxNameLength {
		return outOfRange(path, "longer than %d characters", MaxNameLength)
	}
	if !nameRe.MatchString(name) {
		return invalidValue(path, "only alphanumeric characters are allowed")
	}
	if strings.HasPrefix(strings.ToLower(name), "zel") {
		return invalidValue(path, "reserved prefix")
	}
	return nil
}

func checkRepotag(path, repotag string) error {
	if repotag == "" {
		return missing(path)
	}
	if len(repotag) > MaxRepotagLength {
		return outOfRange(path, "longer than %d characters", MaxRepotagLength)
	}
	if !repotagRe.MatchString(repotag) {
		return invalidValue(path, "expected image:tag")
	}
	return nil
}

func checkPorts(path string, ports, containerPorts []int, domains []string, height uint32, checkDomains bool) error {
	if path != "" {
		path += "."
	}
	if len(ports) == 0 {
		return missing(path + "ports")
	}
	if len(containerPorts) != len(ports) {
		return invalidValue(path+"containerPorts", "must have the same length as ports")
	}
	if checkDomains && len(domains) != len(ports) {
		return invalidValue(path+"domains", "must have the same length as ports")
	}
	for _, p := range ports {
		if !portAllowed(p, height) {
			return outOfRange(path+"ports", "port %d not allowed at height %d", p, height)
		}
	}
	for _, p := range containerPorts {
		if p < PortMin || p > PortMax {
			return outOfRange(path+"containerPorts", "port %d outside %d-%d", p, PortMin, PortMax)
		}
	}
	return nil
}

func checkHardware(path string, cpu float64, ram, hdd int, tiered bool, t Tiers) error {
	if err := checkTier(path, "", cpu, ram, hdd, MaxCPU, MaxRAM, MaxHDD); err != nil {
		return err
	}
	if !tiered {
		return nil
	}
	m := tierMaxima["basic"]
	if err := checkTier(path, "basic", t.CPUBasic, t.RAMBasic, t.HDDBasic, m[0], int(m[1]), int(m[2])); err != nil {
		return err
	}
	m = tierMaxima["super"]
	if err := checkTier(path, "super", t.CPUSuper, t.RAMSuper, t.HDDSuper, m[0], int(m[1]), int(m[2])); err != nil {
		return err
	}
	m = tierMaxima["bamf"]
	return checkTier(path, "bamf", t.CPUBamf, t.RAMBamf, t.HDDBamf, m[0], int(m[1]), int(m[2]))
}

func checkTier(path, tier string, cpu float64, ram, hdd int, maxCPU float64, maxRAM, maxHDD int) error {
	prefix := path
	if prefix != "" {
		prefix += "."
	}
	if cpu < MinCPU || cpu > maxCPU {
		return outOfRange(prefix+"cpu"+tier, "must be between %.1f and %.1f", MinCPU, maxCPU)
	}
	if math.Abs(cpu*10-math.Round(cpu*10)) > 1e-9 {
		return invalidValue(prefix+"cpu"+tier, "must be a multiple of 0.1")
	}
	if ram < MinRAM || ram > maxRAM {
		return outOfRange(prefix+"ram"+tier, "must be between %d and %d", MinRAM, maxRAM)
	}
	if ram%100 != 0 {
		return invalidValue(prefix+"ram"+tier, "must be a multiple of 100")
	}
	if hdd < MinHDD || hdd > maxHDD {
		return outOfRange(prefix+"hdd"+tier, "must be between %d and %d", MinHDD, maxHDD)
	}
	return nil
}

func checkContainerData(path, data string) error {
	if data == "" {
		return missing(path)
	}
	for _, part := range strings.Split(data, "|") {
		mount := part
		if i := strings.Index(part, ":"); i > 0 {
			flags := part[:i]
			for _, f := range flags {
				if !strings.ContainsRune("grs0123456789", f) {
					return invalidValue(path, "unknown storage flag %q", f)
				}
			}
			mount = part[i+1:]
		}
		if !strings.HasPrefix(mount, "/") {
			return invalidValue(path, "mount path must be absolute")
		}
	}
	return nil
}

func checkInstances(instances int) error {
	if instances < MinInstances || instances > MaxInstances {
		return outOfRange("instances", "must be between %d and %d", MinInstances, MaxInstances)
	}
	return nil
}

func checkNodes(nodes []string, instances int) error {
	if len(nodes) > instances {
		return outOfRange("nodes", "more nodes than instances")
	}
	for _, n := range nodes {
		host := n
		if h, _, err := net.SplitHostPort(n); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return invalidValue("nodes", "%q is not an ip address", n)
		}
	}
	return nil
}
