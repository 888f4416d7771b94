package machine

const (
	// mpidrRes1 is bit 31 of MPIDR_EL1, which reads as one.
	mpidrRes1 = 1 << 31

	// exitQueueDepth bounds the exits a core buffers while busy. Events
	// beyond it are coalesced like a pending SGI.
	exitQueueDepth = 16
)

// Op is the kind of an event recorded by a core.
type Op string

const (
	OpMSR         Op = "msr"
	OpISB         Op = "isb"
	OpTLBI        Op = "tlbi vmalls12e1is"
	OpERET        Op = "eret"
	OpTrap        Op = "trap"
	OpHostReturn  Op = "host return"
	OpPark        Op = "park"
	OpGICInit     Op = "gic init"
	OpGICShutdown Op = "gic shutdown"
)
