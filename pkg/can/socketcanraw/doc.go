// Package socketcanraw registers the "socketcanraw" interface on Linux.
// It is empty on other platforms.
package socketcanraw
