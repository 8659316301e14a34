package varquery

// LibraryVersion is the version of the varquery library and its file format
// surface.
const LibraryVersion = "1.4.2"

// Version returns the library version string.
func Version() string {
	return LibraryVersion
}
