// Package chunk splits files into fixed-size content-addressed pieces and
// writes them back in any order.
//
// A file of size S with chunk size C has ceil(S/C) chunks; every chunk but
// the last is exactly C bytes. Each chunk, and the whole file, is hashed
// with BLAKE3-256. Concatenating chunks 0..N-1 reproduces the file and its
// hash equals the descriptor hash.
//
//	m, err := chunk.Index(path, chunk.DefaultChunkSize)
//	c, err := chunk.ReadChunk(f, m.Descriptor, 3)
//	ok := chunk.VerifyChunk(c, m.ChunkHashes[3])
//
// Set records which indices a receiver has confirmed. Its Cursor is the
// lowest index not yet confirmed and never moves past a gap.
package chunk
