package domain

// Chunk is a contiguous byte range [Offset, Offset+len(Data)) of a resource
type Chunk struct {
	Offset int64
	Data   []byte
}

// Length returns the number of bytes in the chunk
func (c Chunk) Length() int64 {
	return int64(len(c.Data))
}

// End returns the offset one past the last byte of the chunk
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}
