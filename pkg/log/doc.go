/*
Package log provides structured logging for the replication manager using
zerolog: a global logger initialized once via Init, and component-scoped
child loggers (WithComponent, WithContainerID, WithDatanodeID, WithMoveID)
for the handful of recurring context fields RM attaches to its log lines.
*/
package log
