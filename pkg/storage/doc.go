/*
Package storage provides BoltDB-backed persistence for the move
scheduler's move table: the MoveStore interface and its BoltMoveStore
implementation, keyed by container ID and storing the source/target
datanode pair for each inflight move. The move scheduler's Raft FSM
snapshots this table for replication; BoltMoveStore gives the leader a
durable local copy that survives process restart.
*/
package storage
