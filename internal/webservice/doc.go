// Package webservice owns the request server and the push server that expose
// the library on the LAN, and drives them through one lifecycle.
//
// A Controller is the only writer of the process-wide RunningState. Every
// start and stop goes through its ordered command channel, so the two
// servers are started together, stopped together, and never left half up by
// the controller's own doing. Failures come out as a structured Failure for
// a StatusPublisher to render.
package webservice
