// Package guestutil implements the miscellaneous guest syscalls spec §4.9
// groups under the Sandbox but that don't touch container/process state:
// memory hotplug probing, guest clock adjustment, RNG reseeding, guest
// detail reporting, and the copy_file staging protocol (spec §4.8).
package guestutil
