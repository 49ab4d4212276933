/*
Package instance implements the tunnel instance lifecycle.

An instance moves through a small state machine:

	inactive -> starting -> active -> online/idle/degraded -> offline
	                                                 \-> inactive (user stop)

Connect admits the user against quota and fleet headroom, schedules a relay,
and rotates the single-use tunnel token. Relay callbacks confirm the tunnel
coming up or going down, the health engine refines connected statuses from
heartbeats, and the sweeper demotes silent instances to offline. Every
transition is committed transactionally and then published on the event bus.
*/
package instance
