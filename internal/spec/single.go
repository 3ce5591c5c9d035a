package spec

// singleCodec handles the single-container formats, v1 and v2-v3
type singleCodec struct {
	band Band
}

func (c singleCodec) Band() Band { return c.band }

func (c singleCodec) Keys(version int) []string {
	if version == 1 {
		return []string{
			"version", "name", "description", "owner", "repotag",
			"port", "containerPort", "enviromentParameters", "commands",
			"containerData", "cpu", "ram", "hdd",
		}
	}
	keys := []string{
		"version", "name", "description", "owner", "repotag",
		"ports", "containerPorts", "domains", "enviromentParameters", "commands",
		"containerData", "cpu", "ram", "hdd", "tiered",
	}
	keys = append(keys, tierKeys...)
	if version == 3 {
		keys = append(keys, "instances")
	}
	return keys
}

func (c singleCodec) parse(version int, r reader, s *Specification) error {
	var err error
	if s.Repotag, err = r.str("repotag"); err != nil {
		return err
	}
	if version == 1 {
		if s.Port, err = r.integer("port"); err != nil {
			return err
		}
		if s.ContainerPort, err = r.integer("containerPort"); err != nil {
			return err
		}
	} else {
		if s.Ports, err = r.integers("ports"); err != nil {
			return err
		}
		if s.ContainerPorts, err = r.integers("containerPorts"); err != nil {
			return err
		}
		if s.Domains, err = r.strings("domains"); err != nil {
			return err
		}
	}
	if s.EnvironmentParameters, err = r.strings("enviromentParameters"); err != nil {
		return err
	}
	if s.Commands, err = r.strings("commands"); err != nil {
		return err
	}
	if s.ContainerData, err = r.str("containerData"); err != nil {
		return err
	}
	if s.CPU, err = r.number("cpu"); err != nil {
		return err
	}
	if s.RAM, err = r.integer("ram"); err != nil {
		return err
	}
	if s.HDD, err = r.integer("hdd"); err != nil {
		return err
	}
	if version >= 2 {
		if s.Tiered, err = r.boolean("tiered"); err != nil {
			return err
		}
		if err := parseTiers(r, s.Tiered, &s.Tiers); err != nil {
			return err
		}
	}
	if version == 3 {
		if s.Instances, err = r.integer("instances"); err != nil {
			return err
		}
	}
	return nil
}

func (c singleCodec) check(s *Specification, height uint32) error {
	if err := checkRepotag("repotag", s.Repotag); err != nil {
		return err
	}
	comp := s.Components()[0]
	if err := checkPorts("", comp.Ports, comp.ContainerPorts, s.Domains, height, s.Version >= 2); err != nil {
		return err
	}
	if err := uniquePorts(comp.Ports); err != nil {
		return err
	}
	if err := checkContainerData("containerData", s.ContainerData); err != nil {
		return err
	}
	if err := checkHardware("", s.CPU, s.RAM, s.HDD, s.Tiered, s.Tiers); err != nil {
		return err
	}
	if s.Version == 3 {
		return checkInstances(s.Instances)
	}
	return nil
}

func (c singleCodec) fields(s *Specification, order Ordering) (object, error) {
	obj := object{
		{"version", s.Version},
		{"name", s.Name},
		{"description", s.Description},
		{"owner", s.Owner},
		{"repotag", s.Repotag},
	}
	if s.Version == 1 {
		obj = append(obj,
			field{"port", s.Port},
			field{"containerPort", s.ContainerPort},
		)
	} else {
		obj = append(obj,
			field{"ports", ints(s.Ports)},
			field{"containerPorts", ints(s.ContainerPorts)},
			field{"domains", strs(s.Domains)},
		)
	}
	obj = append(obj,
		field{"enviromentParameters", strs(s.EnvironmentParameters)},
		field{"commands", strs(s.Commands)},
		field{"containerData", s.ContainerData},
		field{"cpu", s.CPU},
		field{"ram", s.RAM},
		field{"hdd", s.HDD},
	)
	if s.Version >= 2 {
		obj = append(obj, field{"tiered", s.Tiered})
		if s.Tiered {
			obj = append(obj, tierFields(s.Tiers)...)
		}
	}
	if s.Version == 3 {
		obj = append(obj, field{"instances", s.Instances})
	}
	if order == OrderLegacyOwner {
		obj = obj.swap("owner", "repotag")
	}
	return obj, nil
}

// parseTiers reads tier fields when tiered is set and rejects them otherwise
func parseTiers(r reader, tiered bool, t *Tiers) error {
	if tiered {
		parsed, err := r.tiers()
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	for _, k := range tierKeys {
		if r.has(k) {
			return invalidValue(r.path(k), "tier fields require tiered to be true")
		}
	}
	return nil
}

func uniquePorts(ports []int) error {
	seen := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		if _, ok := seen[p]; ok {
			return invalidValue("ports", "port %d is used more than once", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}
