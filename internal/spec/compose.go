package spec

import (
	"fmt"
	"strings"
)

// composeCodec handles the multi-component formats, v4 and later
type composeCodec struct {
	band Band
}

func (c composeCodec) Band() Band { return c.band }

func (c composeCodec) Keys(version int) []string {
	keys := []string{"version", "name", "description", "owner", "compose", "instances"}
	if version >= 5 {
		keys = append(keys, "contacts", "geolocation")
	}
	if version >= 6 {
		keys = append(keys, "expire")
	}
	if version >= 7 {
		keys = append(keys, "nodes", "staticip")
	}
	if version >= 8 {
		keys = append(keys, "enterprise")
	}
	return keys
}

func componentKeys(version int) []string {
	keys := []string{
		"name", "description", "repotag", "ports", "containerPorts",
		"environmentParameters", "commands", "containerData", "domains",
		"cpu", "ram", "hdd", "tiered",
	}
	keys = append(keys, tierKeys...)
	switch version {
	case 7:
		keys = append(keys, "secrets", "repoauth")
	case 8:
		keys = append(keys, "repoauth")
	}
	return keys
}

func (c composeCodec) parse(version int, r reader, s *Specification) error {
	var err error
	if s.Instances, err = r.integer("instances"); err != nil {
		return err
	}
	if version >= 5 {
		if s.Contacts, err = r.strings("contacts"); err != nil {
			return err
		}
		if s.Geolocation, err = r.strings("geolocation"); err != nil {
			return err
		}
	}
	if version >= 6 {
		if s.Expire, err = r.integer("expire"); err != nil {
			return err
		}
	}
	if version >= 7 {
		if s.Nodes, err = r.strings("nodes"); err != nil {
			return err
		}
		if s.StaticIP, err = r.boolean("staticip"); err != nil {
			return err
		}
	}
	if version >= 8 {
		if s.Enterprise, err = r.str("enterprise"); err != nil {
			return err
		}
	}

	raws, err := r.objects("compose")
	if err != nil {
		return err
	}
	s.Compose = make([]Component, 0, len(raws))
	for i, raw := range raws {
		comp, err := parseComponent(version, reader{raw: raw, prefix: fmt.Sprintf("compose[%d]", i)})
		if err != nil {
			return err
		}
		s.Compose = append(s.Compose, comp)
	}
	return nil
}

func parseComponent(version int, r reader) (Component, error) {
	var comp Component
	var err error
	if err := r.closedKeys(componentKeys(version)); err != nil {
		return comp, err
	}
	if comp.Name, err = r.str("name"); err != nil {
		return comp, err
	}
	if comp.Description, err = r.str("description"); err != nil {
		return comp, err
	}
	if comp.Repotag, err = r.str("repotag"); err != nil {
		return comp, err
	}
	if comp.Ports, err = r.integers("ports"); err != nil {
		return comp, err
	}
	if comp.ContainerPorts, err = r.integers("containerPorts"); err != nil {
		return comp, err
	}
	if comp.EnvironmentParameters, err = r.strings("environmentParameters"); err != nil {
		return comp, err
	}
	if comp.Commands, err = r.strings("commands"); err != nil {
		return comp, err
	}
	if comp.ContainerData, err = r.str("containerData"); err != nil {
		return comp, err
	}
	if comp.Domains, err = r.strings("domains"); err != nil {
		return comp, err
	}
	if comp.CPU, err = r.number("cpu"); err != nil {
		return comp, err
	}
	if comp.RAM, err = r.integer("ram"); err != nil {
		return comp, err
	}
	if comp.HDD, err = r.integer("hdd"); err != nil {
		return comp, err
	}
	if comp.Tiered, err = r.boolean("tiered"); err != nil {
		return comp, err
	}
	if err := parseTiers(r, comp.Tiered, &comp.Tiers); err != nil {
		return comp, err
	}
	if version == 7 {
		if comp.Secrets, err = r.str("secrets"); err != nil {
			return comp, err
		}
	}
	if version >= 7 {
		if comp.RepoAuth, err = r.str("repoauth"); err != nil {
			return comp, err
		}
	}
	return comp, nil
}

func (c composeCodec) check(s *Specification, height uint32) error {
	if err := checkInstances(s.Instances); err != nil {
		return err
	}
	if len(s.Compose) == 0 && !(s.Version >= 8 && s.Enterprise != "") {
		return missing("compose")
	}
	if len(s.Compose) > MaxComponents {
		return outOfRange("compose", "at most %d components", MaxComponents)
	}

	names := make(map[string]struct{}, len(s.Compose))
	ports := make(map[int]struct{})
	var cpu float64
	var ram, hdd int
	for i, comp := range s.Compose {
		path := fmt.Sprintf("compose[%d]", i)
		if err := checkName(path+".name", comp.Name); err != nil {
			return err
		}
		key := strings.ToLower(comp.Name)
		if _, ok := names[key]; ok {
			return invalidValue(path+".name", "component %s declared twice", comp.Name)
		}
		names[key] = struct{}{}
		if len(comp.Description) > MaxDescriptionLength {
			return outOfRange(path+".description", "longer than %d characters", MaxDescriptionLength)
		}
		if err := checkRepotag(path+".repotag", comp.Repotag); err != nil {
			return err
		}
		if err := checkPorts(path, comp.Ports, comp.ContainerPorts, comp.Domains, height, true); err != nil {
			return err
		}
		for _, p := range comp.Ports {
			if _, ok := ports[p]; ok {
				return invalidValue(path+".ports", "port %d is used more than once", p)
			}
			ports[p] = struct{}{}
		}
		if err := checkContainerData(path+".containerData", comp.ContainerData); err != nil {
			return err
		}
		if err := checkHardware(path, comp.CPU, comp.RAM, comp.HDD, comp.Tiered, comp.Tiers); err != nil {
			return err
		}
		cpu += comp.CPU
		ram += comp.RAM
		hdd += comp.HDD
	}
	if cpu > MaxCPU+1e-9 {
		return outOfRange("compose.cpu", "total %.1f exceeds %.1f", cpu, MaxCPU)
	}
	if ram > MaxRAM {
		return outOfRange("compose.ram", "total %d exceeds %d", ram, MaxRAM)
	}
	if hdd > MaxHDD {
		return outOfRange("compose.hdd", "total %d exceeds %d", hdd, MaxHDD)
	}

	if len(s.Contacts) > MaxContacts {
		return outOfRange("contacts", "at most %d contacts", MaxContacts)
	}
	if len(s.Geolocation) > MaxGeolocation {
		return outOfRange("geolocation", "at most %d entries", MaxGeolocation)
	}
	for _, g := range s.Geolocation {
		if !strings.HasPrefix(g, "ac") && !strings.HasPrefix(g, "a!c") {
			return invalidValue("geolocation", "%q is not a geolocation rule", g)
		}
	}
	if s.Version >= 6 && (s.Expire < MinExpireBlocks || s.Expire > MaxExpireBlocks) {
		return outOfRange("expire", "must be between %d and %d", MinExpireBlocks, MaxExpireBlocks)
	}
	if s.Version >= 7 {
		if err := checkNodes(s.Nodes, s.Instances); err != nil {
			return err
		}
	}
	return nil
}

func (c composeCodec) fields(s *Specification, order Ordering) (object, error) {
	components := make([]object, 0, len(s.Compose))
	for _, comp := range s.Compose {
		components = append(components, componentFields(s.Version, comp, order))
	}

	obj := object{
		{"version", s.Version},
		{"name", s.Name},
		{"description", s.Description},
		{"owner", s.Owner},
		{"compose", components},
		{"instances", s.Instances},
	}
	if s.Version >= 5 {
		obj = append(obj, field{"contacts", strs(s.Contacts)}, field{"geolocation", strs(s.Geolocation)})
	}
	if s.Version >= 6 {
		obj = append(obj, field{"expire", s.Expire})
	}
	if s.Version >= 7 {
		obj = append(obj, field{"nodes", strs(s.Nodes)}, field{"staticip", s.StaticIP})
	}
	if s.Version >= 8 {
		obj = append(obj, field{"enterprise", s.Enterprise})
	}
	return obj, nil
}

func componentFields(version int, comp Component, order Ordering) object {
	obj := object{
		{"name", comp.Name},
		{"description", comp.Description},
		{"repotag", comp.Repotag},
		{"ports", ints(comp.Ports)},
		{"containerPorts", ints(comp.ContainerPorts)},
		{"environmentParameters", strs(comp.EnvironmentParameters)},
		{"commands", strs(comp.Commands)},
		{"containerData", comp.ContainerData},
		{"domains", strs(comp.Domains)},
		{"cpu", comp.CPU},
		{"ram", comp.RAM},
		{"hdd", comp.HDD},
		{"tiered", comp.Tiered},
	}
	if comp.Tiered {
		obj = append(obj, tierFields(comp.Tiers)...)
	}
	switch version {
	case 7:
		obj = append(obj, field{"secrets", comp.Secrets}, field{"repoauth", comp.RepoAuth})
		if order == OrderLegacyV7 {
			obj = obj.swap("secrets", "repoauth")
		}
	case 8:
		obj = append(obj, field{"repoauth", comp.RepoAuth})
	}
	return obj
}
