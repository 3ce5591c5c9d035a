package spec

// Hardware ceilings for untiered requests and the aggregate of a compose app
const (
	MinCPU = 0.1
	MaxCPU = 15.0
	MinRAM = 100
	MaxRAM = 59000
	MinHDD = 1
	MaxHDD = 820
)

// Per-tier ceilings (cpu cores, ram MB, hdd GB)
var tierMaxima = map[string][3]float64{
	"basic": {3, 7000, 220},
	"super": {7, 29000, 440},
	"bamf":  {15, 59000, 820},
}

// Port ranges. Below PortRangeChangeHeight only the legacy range is accepted.
const (
	PortRangeChangeHeight = 1420000
	LegacyPortMin         = 31000
	LegacyPortMax         = 39999
	PortMin               = 1
	PortMax               = 65535
)

// reservedPortRanges are used by the node itself and cannot be claimed by apps
var reservedPortRanges = [][2]int{
	{16100, 16199},
	{26000, 26100},
}

// Application limits
const (
	MaxNameLength        = 32
	MaxDescriptionLength = 256
	MaxRepotagLength     = 200
	MinInstances         = 3
	MaxInstances         = 100
	MaxComponents        = 5
	MaxContacts          = 5
	MaxGeolocation       = 10
	MinExpireBlocks      = 5000
	MaxExpireBlocks      = 264000
	DefaultExpireBlocks  = 22000
)

func portAllowed(port int, height uint32) bool {
	if height < PortRangeChangeHeight {
		return port >= LegacyPortMin && port <= LegacyPortMax
	}
	if port < PortMin || port > PortMax {
		return false
	}
	for _, r := range reservedPortRanges {
		if port >= r[0] && port <= r[1] {
			return false
		}
	}
	return true
}
