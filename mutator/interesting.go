package mutator

// Boundary values that historically shake out off-by-one and sign bugs.
// Same tables AFL ships.
var (
	interesting8 = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}

	interesting16 = []int16{
		-128, -1, 0, 1, 16, 32, 64, 100, 127,
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
	}

	interesting32 = []int32{
		-128, -1, 0, 1, 16, 32, 64, 100, 127,
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
		-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647,
	}
)

// arithMax bounds the value added or subtracted by arithmetic mutations.
const arithMax = 35
