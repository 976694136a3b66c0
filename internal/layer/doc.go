// Package layer implements the content-addressed layer store and image index.
//
// A layer is an immutable filesystem diff, stored extracted under the
// sha256 digest of its tar stream. Submitting identical content twice
// returns the existing digest without duplicating storage; writes go
// through a staging directory and an atomic rename, so concurrent
// submissions are safe.
//
// Images bind a name:tag to an ordered chain of layer digests plus an OCI
// runtime config. Layers carry reference counts maintained in the same
// metadata transaction as the image or container records that reference
// them; [Store.GC] removes layers whose count has dropped to zero.
//
// Example usage:
//
//	store, err := layer.NewStore(paths.Layers(root), meta, driver.WhiteoutFormat())
//	if err != nil {
//	    return err
//	}
//
//	dgst, err := store.CreateLayer(diffTar)
//	if err != nil {
//	    return err
//	}
//
//	img, err := store.TagImage("alpine:latest", []digest.Digest{dgst}, config)
package layer
