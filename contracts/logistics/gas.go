package logistics

// GasLimits caps the gas attached to each escrow operation.
type GasLimits struct {
	Create  uint64 `yaml:"create" toml:"create"`
	Fund    uint64 `yaml:"fund" toml:"fund"`
	Accept  uint64 `yaml:"accept" toml:"accept"`
	Pickup  uint64 `yaml:"pickup" toml:"pickup"`
	Deliver uint64 `yaml:"deliver" toml:"deliver"`
	Query   uint64 `yaml:"query" toml:"query"`
}

// DefaultGasLimits returns the budgets the escrow contract was profiled against.
func DefaultGasLimits() GasLimits {
	return GasLimits{
		Create:  2_000_000,
		Fund:    400_000,
		Accept:  500_000,
		Pickup:  100_000,
		Deliver: 1_000_000,
		Query:   100_000,
	}
}

// WithDefaults fills zero fields from DefaultGasLimits.
func (g GasLimits) WithDefaults() GasLimits {
	def := DefaultGasLimits()
	if g.Create == 0 {
		g.Create = def.Create
	}
	if g.Fund == 0 {
		g.Fund = def.Fund
	}
	if g.Accept == 0 {
		g.Accept = def.Accept
	}
	if g.Pickup == 0 {
		g.Pickup = def.Pickup
	}
	if g.Deliver == 0 {
		g.Deliver = def.Deliver
	}
	if g.Query == 0 {
		g.Query = def.Query
	}
	return g
}
