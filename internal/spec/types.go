package spec

import (
	"strings"
)

// Band groups specification versions that share one codec
type Band int

const (
	// BandV1 is the original single-container format
	BandV1 Band = iota
	// BandV2V3 adds multiple ports, domains and hardware tiers
	BandV2V3
	// BandV4V6 introduces compose (multi-component) applications
	BandV4V6
	// BandV7 adds node pinning, static ip and component secrets
	BandV7
	// BandV8 adds enterprise (encrypted) payloads
	BandV8
)

// String returns the band name
func (b Band) String() string {
	switch b {
	case BandV1:
		return "v1"
	case BandV2V3:
		return "v2-3"
	case BandV4V6:
		return "v4-6"
	case BandV7:
		return "v7"
	case BandV8:
		return "v8-enterprise"
	default:
		return "unknown"
	}
}

// Ordering selects the field order used for the canonical byte representation.
// Only OrderCurrent may be used to produce new messages, the legacy orderings
// exist to verify messages signed by older nodes.
type Ordering int

const (
	// OrderCurrent is the canonical order for every version
	OrderCurrent Ordering = iota
	// OrderLegacyOwner swaps owner and repotag (v1-v3 only)
	OrderLegacyOwner
	// OrderLegacyV7 swaps secrets and repoauth inside components (v7 only)
	OrderLegacyV7
)

// Tiers holds per-hardware-tier resource requests
type Tiers struct {
	CPUBasic float64
	CPUSuper float64
	CPUBamf  float64
	RAMBasic int
	RAMSuper int
	RAMBamf  int
	HDDBasic int
	HDDSuper int
	HDDBamf  int
}

// Component is one container of an application
type Component struct {
	Name                  string
	Description           string
	Repotag               string
	Ports                 []int
	ContainerPorts        []int
	Domains               []string
	EnvironmentParameters []string
	Commands              []string
	ContainerData         string
	CPU                   float64
	RAM                   int
	HDD                   int
	Tiered                bool
	Tiers                 Tiers
	Secrets               string
	RepoAuth              string
}

// Specification is the normalized form of every specification version.
// Fields that do not exist in a version are left at their zero value.
type Specification struct {
	Version     int
	Name        string
	Description string
	Owner       string

	// single container fields, v1-v3
	Repotag               string
	Port                  int
	ContainerPort         int
	Ports                 []int
	ContainerPorts        []int
	Domains               []string
	EnvironmentParameters []string
	Commands              []string
	ContainerData         string
	CPU                   float64
	RAM                   int
	HDD                   int
	Tiered                bool
	Tiers                 Tiers

	Instances   int
	Compose     []Component
	Contacts    []string
	Geolocation []string
	Expire      int
	Nodes       []string
	StaticIP    bool
	Enterprise  string
}

// IsCompose reports whether the specification describes a multi-component app
func (s *Specification) IsCompose() bool {
	return s.Version >= 4
}

// Components returns the containers of the application in declared order.
// A v1-v3 specification yields a single component named after the app.
func (s *Specification) Components() []Component {
	if s.IsCompose() {
		return s.Compose
	}

	ports := s.Ports
	containerPorts := s.ContainerPorts
	if s.Version == 1 {
		ports = []int{s.Port}
		containerPorts = []int{s.ContainerPort}
	}

	return []Component{{
		Name:                  s.Name,
		Description:           s.Description,
		Repotag:               s.Repotag,
		Ports:                 ports,
		ContainerPorts:        containerPorts,
		Domains:               s.Domains,
		EnvironmentParameters: s.EnvironmentParameters,
		Commands:              s.Commands,
		ContainerData:         s.ContainerData,
		CPU:                   s.CPU,
		RAM:                   s.RAM,
		HDD:                   s.HDD,
		Tiered:                s.Tiered,
		Tiers:                 s.Tiers,
	}}
}

// ComponentNames returns the names of all components
func (s *Specification) ComponentNames() []string {
	components := s.Components()
	names := make([]string, 0, len(components))
	for _, c := range components {
		names = append(names, c.Name)
	}
	return names
}

// TotalResources sums the untiered hardware request of all components
func (s *Specification) TotalResources() (cpu float64, ram int, hdd int) {
	for _, c := range s.Components() {
		cpu += c.CPU
		ram += c.RAM
		hdd += c.HDD
	}
	return cpu, ram, hdd
}

// ExpireBlocks returns the registration lifetime in blocks
func (s *Specification) ExpireBlocks() int {
	if s.Version >= 6 && s.Expire > 0 {
		return s.Expire
	}
	return DefaultExpireBlocks
}

// ContainerName returns the runtime name used for a component
func (s *Specification) ContainerName(component string) string {
	if !s.IsCompose() {
		return "swarm" + s.Name
	}
	return "swarm" + component + "_" + s.Name
}

// NetworkName returns the isolated network name of the application
func (s *Specification) NetworkName() string {
	return "swarmnet_" + s.Name
}

// ServiceName is the name load balancers use for a component
func (s *Specification) ServiceName(component string) string {
	if !s.IsCompose() {
		return strings.ToLower(s.Name)
	}
	return strings.ToLower(component + "_" + s.Name)
}

// StorageFlags returns the mode prefix of the primary containerData path,
// e.g. "g" for "g:/data"
func (c Component) StorageFlags() string {
	primary := strings.Split(c.ContainerData, "|")[0]
	if i := strings.Index(primary, ":"); i > 0 {
		return primary[:i]
	}
	return ""
}

// MountPath returns the in-container path of the primary volume
func (c Component) MountPath() string {
	primary := strings.Split(c.ContainerData, "|")[0]
	if i := strings.Index(primary, ":"); i > 0 {
		return primary[i+1:]
	}
	return primary
}

// ExclusiveWrite reports whether the component uses exclusive-write
// replicated storage ("g" mode) and therefore needs a single primary
func (c Component) ExclusiveWrite() bool {
	return strings.Contains(c.StorageFlags(), "g")
}

// ResourcesFor returns the hardware request of the component on a node of
// the given tier ("basic", "super" or "bamf"). Untiered components and
// unknown tiers use the plain request.
func (c Component) ResourcesFor(tier string) (cpu float64, ram int, hdd int) {
	if !c.Tiered {
		return c.CPU, c.RAM, c.HDD
	}
	switch tier {
	case "basic":
		return c.Tiers.CPUBasic, c.Tiers.RAMBasic, c.Tiers.HDDBasic
	case "super":
		return c.Tiers.CPUSuper, c.Tiers.RAMSuper, c.Tiers.HDDSuper
	case "bamf":
		return c.Tiers.CPUBamf, c.Tiers.RAMBamf, c.Tiers.HDDBamf
	}
	return c.CPU, c.RAM, c.HDD
}

// TierCapacity returns the ceilings of a hardware tier
func TierCapacity(tier string) (cpu float64, ram int, hdd int, ok bool) {
	m, ok := tierMaxima[tier]
	if !ok {
		return 0, 0, 0, false
	}
	return m[0], int(m[1]), int(m[2]), true
}
