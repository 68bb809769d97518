// Package fs is the file system seam of the local payload store.
//
// [OS] talks to the host. [FaultyFS] wraps any FileSystem and fails writes,
// syncs or renames for chosen paths. [WriteAtomic] is the temp-file, sync and
// rename sequence every payload write goes through:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("x3/y0", fs.Fault{FailAfterBytes: 0})
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
package fs
