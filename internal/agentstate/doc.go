// Package agentstate keeps process-wide rolling extrema used for agent
// self-diagnosis: the highest CPU usage, the lowest free memory and the
// longest scheduler cycle seen since the last Clear.
package agentstate
