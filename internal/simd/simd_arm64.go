//go:build arm64 && !noasm

package simd

func init() {
	// NEON assembly kernels pending; the unrolled form autovectorizes
	// well on arm64.
	dotImpl = dotUnrolled
}
