/*
Package health provides the HTTP and TCP checkers an Investigator composes
to reach a liveness verdict on a hypervisor host's agent.

Each Checker reports a Result (healthy/unhealthy, message, duration); Status
tracks consecutive successes/failures against a Config's Retries threshold
before flipping the overall verdict, the same debounce an Investigator needs
before declaring a host down and handing a WorkItem to a Fencer.
*/
package health
