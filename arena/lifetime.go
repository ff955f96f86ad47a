package arena

// Lifetime selects which allocation strategy a chunk uses for a request.
type Lifetime uint32

const (
	// LifetimePermanent allocations are carved from the top of the chunk, descending,
	// and are never reclaimed. Use it for resources that live as long as the renderer-
	// persistent render targets, static meshes, and the like.
	LifetimePermanent Lifetime = iota
	// LifetimeTemporary allocations are placed first-fit in the lower region of the
	// chunk and are reclaimed in batch after their blocks are freed.
	LifetimeTemporary
)

var lifetimeMapping = map[Lifetime]string{
	LifetimePermanent: "LifetimePermanent",
	LifetimeTemporary: "LifetimeTemporary",
}

func (l Lifetime) String() string {
	return lifetimeMapping[l]
}

// Linearity partitions chunk pools by resource tiling. Linear resources (buffers,
// linear-tiled images) and non-linear resources (optimally-tiled images) never share
// a chunk, which sidesteps buffer-image granularity conflicts wholesale.
type Linearity uint32

const (
	LinearResources Linearity = iota
	NonLinearResources
)

var linearityMapping = map[Linearity]string{
	LinearResources:    "LinearResources",
	NonLinearResources: "NonLinearResources",
}

func (l Linearity) String() string {
	return linearityMapping[l]
}
