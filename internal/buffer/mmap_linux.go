package buffer

import "golang.org/x/sys/unix"

// The reservation is sized to the ceiling; skip swap accounting for it.
const mapFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
