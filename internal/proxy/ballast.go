package proxy

var (
	// A relay-heavy workload churns small buffers; a ballast keeps the live
	// heap large enough that GC cycles stay rare. GOGC+GOMEMLIMIT can't
	// express a floor. Virtual memory only, not RSS; ignore it in memory
	// profiles.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)
