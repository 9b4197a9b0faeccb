/*

Fsimage builds immutable filesystem layers out of declarative features,
and models copy-on-write file content well enough to test btrfs-level
invariants without a real filesystem.

Vocabulary:

- layer: a read-only btrfs subvolume produced by one build
- parent layer: the layer a new layer is snapshotted from
- feature: JSON description of actions, possibly nesting other features
- target: build-system name of a feature or artifact; resolved to a
  filesystem path through the target map
- action (item): one typed filesystem change, e.g. copy a file or make
  a directory
- provides: what an action leaves behind at a path (directory, file, or
  a do-not-access marker)
- requires: what an action needs at a path before it can run
- phase: fixed-order block of actions that is not dependency-sorted
  (parent layer, RPM remove, RPM install, path removal)
- plan: the ordered phases and actions for one layer
- protected path: meta/ and every mountpoint; off limits to actions
- extent: persistent tree of HOLE and DATA leaves describing a file
- leaf: an extent leaf, allocated once in an arena and addressed by id
- chunk: maximal same-kind run of bytes in a finalized file
- chunk clone: a byte range of a chunk that shares storage with another
  file

*/

package fsimage
