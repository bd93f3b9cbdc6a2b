// Package imaging provides the pixel-level building blocks of the image proxy.
//
// This package resolves request paths to source images, probes their natural
// dimensions, and implements the pure-Go codecs and filters used by the raster
// transform engine. All operations work with standard Go image.Image types and
// use a coordinate system where (0,0) is at the top-left corner.
//
// # Source Resolution
//
// A Resolver maps a URL path onto a file below the images root. Paths that
// escape the root (lexically or through symlinks), directories and unreadable
// files resolve to ErrNotFound. Dimensions and format are read from the file
// signature, never from the extension, and memoised in a bounded LRU keyed by
// path, modification time and size.
//
// # Formats
//
// Decoding is dispatched by signature and supports JPEG, PNG, GIF, WebP and
// BMP. Encoding supports JPEG, PNG, GIF and lossless WebP. Output format names
// are normalised with NormalizeFormat ("jpg" and "jpeg" are the same format).
//
// # Anchors
//
// Crops keep the region selected by one of nine anchors (top-left through
// bottom-right). Anchor geometry helpers are shared by every engine so that a
// crop produces the same region regardless of backend.
//
// # Thread Safety
//
// Resolver is safe for concurrent use. The image functions are stateless and
// never mutate their inputs.
package imaging
