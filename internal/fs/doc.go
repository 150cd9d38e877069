// Package fs provides the filesystem abstraction behind run directories and the
// catalog, plus fault injection for tests.
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test wrapper that fails writes, syncs or renames by file pattern
//
// [WriteFile] replaces a file through a temp file and rename, so a failed rewrite of
// the catalog leaves the previous contents in place:
//
//	err := fs.WriteFile(fs.Default, path, func(w io.Writer) error {
//		return json.NewEncoder(w).Encode(v)
//	})
//
// Operations take no context.Context: local file operations are not interruptible at
// the syscall level.
package fs
