package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/prometheus/procfs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// KubernetesFinder resolves the host PIDs of processes running in Kubernetes
// pods through the CRI and containerd APIs.
type KubernetesFinder struct {
	criClient        runtimeapi.RuntimeServiceClient
	containerdClient *containerd.Client
	fs               procfs.FS
	filter           ProcessFilter
}

func NewKubernetesPIDFinder(socketPath string, fs procfs.FS, filter ProcessFilter) (*KubernetesFinder, error) {
	slog.Debug("Connecting socket", "socketPath", socketPath)

	// CRI client is used to list pods and containers.
	conn, err := grpc.Dial(fmt.Sprintf("unix://%s", socketPath), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		slog.Error("Failed to connect to CRI socket", "error", err)
		return nil, err
	}

	// Containerd client is used to find init PID of containers.
	containerdClient, err := containerd.New(socketPath)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &KubernetesFinder{
		criClient:        runtimeapi.NewRuntimeServiceClient(conn),
		containerdClient: containerdClient,
		fs:               fs,
		filter:           filter,
	}, nil
}

// PIDs returns the host PIDs of processes matching the finder's filter.
func (k *KubernetesFinder) PIDs(ctx context.Context) ([]int, error) {
	f := k.filter
	slog.Debug("Getting host PIDs", "namespace", f.Namespace, "pod", f.Pod, "container", f.Container, "comm", f.Command)

	podResp, err := k.criClient.ListPodSandbox(ctx, &runtimeapi.ListPodSandboxRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing pod sandboxes: %w", err)
	}

	var podUIDs []string
	for _, sb := range podResp.Items {
		if matchesPattern(f.Namespace, sb.Labels["io.kubernetes.pod.namespace"]) &&
			matchesPattern(f.Pod, sb.Labels["io.kubernetes.pod.name"]) {
			podUIDs = append(podUIDs, sb.Labels["io.kubernetes.pod.uid"])
		}
	}
	slog.Debug("Matching pod sandboxes", "num", len(podUIDs))
	if len(podUIDs) == 0 {
		return nil, fmt.Errorf("pod not found in sandboxes (namespace=%s, pod=%s)", f.Namespace, f.Pod)
	}

	var containerIDs []string
	for _, podUID := range podUIDs {
		containers, err := k.getContainersForPod(ctx, podUID, f.Container)
		if err != nil {
			slog.Debug("Failed to list containers", "podUID", podUID, "error", err)
			continue
		}
		for _, c := range containers {
			if c.State != runtimeapi.ContainerState_CONTAINER_RUNNING {
				continue
			}
			containerIDs = append(containerIDs, c.Id)
		}
	}
	slog.Debug("Matching containers", "num", len(containerIDs))
	if len(containerIDs) == 0 {
		return nil, fmt.Errorf("no running containers found in the specified pod(s) (namespace=%s, pod=%s, container=%s)", f.Namespace, f.Pod, f.Container)
	}

	// Every process sharing the PID namespace of a container's init process
	// belongs to that container.
	nsInodes := make(map[uint32]struct{})
	for _, containerID := range containerIDs {
		initPID, err := k.getInitPIDFromContainerd(ctx, containerID)
		if err != nil {
			slog.Error("Failed to get init PID from containerd", "containerID", containerID, "error", err)
			continue
		}
		inode, err := pidNamespace(k.fs, initPID)
		if err != nil {
			slog.Error("Failed to get PID namespace", "initPID", initPID, "error", err)
			continue
		}
		nsInodes[inode] = struct{}{}
	}

	pids, err := k.findPIDsInPIDNamespaces(nsInodes)
	if err != nil {
		return nil, err
	}
	slog.Debug("Matching PIDs in containers", "num", len(pids), "pids", pids)
	return pids, nil
}

// getContainersForPod lists containers for a given pod UID and optional container name using CRI API.
func (k *KubernetesFinder) getContainersForPod(ctx context.Context, podUID, container string) ([]*runtimeapi.Container, error) {
	filter := &runtimeapi.ContainerFilter{
		LabelSelector: map[string]string{
			"io.kubernetes.pod.uid": podUID,
		},
	}
	if container != wildcard {
		filter.LabelSelector["io.kubernetes.container.name"] = container
	}
	resp, err := k.criClient.ListContainers(ctx, &runtimeapi.ListContainersRequest{Filter: filter})
	if err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// getInitPIDFromContainerd retrieves the init PID of a container.
func (k *KubernetesFinder) getInitPIDFromContainerd(ctx context.Context, containerID string) (int, error) {
	ctx = namespaces.WithNamespace(ctx, "k8s.io")
	container, err := k.containerdClient.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, err
	}
	return int(task.Pid()), nil
}

// findPIDsInPIDNamespaces returns all PIDs in proc whose PID namespace is one
// of nsInodes and whose comm matches the filter.
func (k *KubernetesFinder) findPIDsInPIDNamespaces(nsInodes map[uint32]struct{}) ([]int, error) {
	if len(nsInodes) == 0 {
		return nil, nil
	}
	procs, err := k.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	var pids []int
	for _, p := range procs {
		inode, err := pidNamespace(k.fs, p.PID)
		if err != nil {
			continue // Exited, or not visible to us.
		}
		if _, ok := nsInodes[inode]; !ok {
			continue
		}
		if !commMatches(p, k.filter.Command) {
			continue
		}
		pids = append(pids, p.PID)
	}
	return pids, nil
}

// pidNamespace returns the PID namespace inode of pid from /proc/<pid>/ns/pid.
func pidNamespace(fs procfs.FS, pid int) (uint32, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return 0, err
	}
	nss, err := proc.Namespaces()
	if err != nil {
		return 0, err
	}
	ns, ok := nss["pid"]
	if !ok {
		return 0, fmt.Errorf("pid %d has no pid namespace entry", pid)
	}
	return ns.Inode, nil
}
