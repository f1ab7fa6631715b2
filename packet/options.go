package packet

// TCP option kinds and on-wire lengths used by the data plane. OptAddr is
// the non-standard client-address option carrying the original client IP
// and port through full NAT.
const (
	OptEOL       = 0
	OptNOP       = 1
	OptMSS       = 2
	OptSACK      = 5
	OptTimestamp = 8
	OptAddr      = 254

	OptLenMSS        = 4
	OptLenTimestamp  = 10
	OptLenAddr       = 8
	OptLenSACKBase   = 2
	OptLenSACKPerBlk = 8
)

// WalkOptions iterates the TCP options in opts, calling fn with the option
// kind, its body (the bytes after kind and length), and the offset of the
// kind byte within opts. Iteration stops when fn returns false, at EOL, or
// at the first malformed length; it never reads past len(opts).
func WalkOptions(opts []byte, fn func(kind byte, body []byte, off int) bool) {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case OptEOL:
			return
		case OptNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		opsize := int(opts[i+1])
		if opsize < 2 {
			return
		}
		if opsize > len(opts)-i {
			return
		}
		if !fn(kind, opts[i+2:i+opsize], i) {
			return
		}
		i += opsize
	}
}
