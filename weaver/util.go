package weaver

import (
	"crypto/sha1"
	"runtime"

	"github.com/mtraver/base91"
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// cacheKey derives the result cache key for a class module under a given
// config fingerprint. Equal inputs under equal configs share rewrites.
func cacheKey(fingerprint, classData []byte) string {
	h := sha1.New()
	h.Write(fingerprint)
	h.Write(classData)
	return base91.StdEncoding.EncodeToString(h.Sum(nil))
}
