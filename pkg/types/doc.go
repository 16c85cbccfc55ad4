/*
Package types holds the domain data structures shared by crossfs and
etcfs: routing entries, overrides, backing locations, path
classification, and the narrow cross-package interfaces
(StratumBackend, HealthChecker, MetricsCollector). crossfs and etcfs
hold their metrics through MetricsCollector; internal/stratum's Handle
satisfies StratumBackend.

A RoutingEntry is fixed to one FilterKind by whichever add command
first creates it; an Override records its kind, content, and
last-applied time (the override rate limit keeps its own per-target
state and does not read it); a Candidate is one
(stratum, backing path) pair the path resolver probes in order.
*/
package types
