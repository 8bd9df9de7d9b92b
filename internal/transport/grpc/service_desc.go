package grpc

import (
	"context"

	"google.golang.org/grpc"

	"therapia/backend/internal/events"
)

const ServiceName = "therapia.v1.Scheduling"

// SchedulingService is the server API registered under ServiceName.
type SchedulingService interface {
	GetSlots(context.Context, *GetSlotsRequest) (*GetSlotsResponse, error)
	ListAvailableDates(context.Context, *ListAvailableDatesRequest) (*ListAvailableDatesResponse, error)

	CreateBooking(context.Context, *CreateBookingRequest) (*BookingResponse, error)
	RescheduleBooking(context.Context, *RescheduleBookingRequest) (*BookingResponse, error)
	CancelBooking(context.Context, *BookingRequest) (*BookingResponse, error)
	CompleteBooking(context.Context, *BookingRequest) (*BookingResponse, error)
	ConfirmBooking(context.Context, *BookingRequest) (*BookingResponse, error)
	GetBooking(context.Context, *BookingRequest) (*BookingResponse, error)
	ListTherapistBookings(context.Context, *ListTherapistBookingsRequest) (*ListBookingsResponse, error)
	ListClientBookings(context.Context, *ListClientBookingsRequest) (*ListBookingsResponse, error)

	PutWeeklyAvailability(context.Context, *PutWeeklyAvailabilityRequest) (*WeeklyAvailabilityResponse, error)
	GetWeeklyAvailability(context.Context, *GetWeeklyAvailabilityRequest) (*WeeklyAvailabilityResponse, error)
	BlockSlot(context.Context, *BlockSlotRequest) (*BusyIntervalResponse, error)
	BlockDay(context.Context, *BlockDayRequest) (*BusyIntervalResponse, error)
	Unblock(context.Context, *UnblockRequest) (*Empty, error)
	ListBusyIntervals(context.Context, *ListBusyIntervalsRequest) (*ListBusyIntervalsResponse, error)

	SubmitFeedback(context.Context, *SubmitFeedbackRequest) (*FeedbackResponse, error)
	ListFeedback(context.Context, *ListFeedbackRequest) (*ListFeedbackResponse, error)
	SetFeedbackVisibility(context.Context, *SetFeedbackVisibilityRequest) (*FeedbackResponse, error)
	DeleteFeedback(context.Context, *DeleteFeedbackRequest) (*Empty, error)

	Heartbeat(context.Context, *Empty) (*Empty, error)
	GetPresence(context.Context, *GetPresenceRequest) (*GetPresenceResponse, error)
	ExportBookings(context.Context, *ExportBookingsRequest) (*ExportBookingsResponse, error)

	WatchBookings(*WatchBookingsRequest, BookingEventStream) error
}

// BookingEventStream is the server side of WatchBookings.
type BookingEventStream interface {
	Send(*events.BookingEvent) error
	Context() context.Context
}

func RegisterSchedulingService(s grpc.ServiceRegistrar, srv SchedulingService) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulingService)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSlots", SchedulingService.GetSlots),
		unary("ListAvailableDates", SchedulingService.ListAvailableDates),
		unary("CreateBooking", SchedulingService.CreateBooking),
		unary("RescheduleBooking", SchedulingService.RescheduleBooking),
		unary("CancelBooking", SchedulingService.CancelBooking),
		unary("CompleteBooking", SchedulingService.CompleteBooking),
		unary("ConfirmBooking", SchedulingService.ConfirmBooking),
		unary("GetBooking", SchedulingService.GetBooking),
		unary("ListTherapistBookings", SchedulingService.ListTherapistBookings),
		unary("ListClientBookings", SchedulingService.ListClientBookings),
		unary("PutWeeklyAvailability", SchedulingService.PutWeeklyAvailability),
		unary("GetWeeklyAvailability", SchedulingService.GetWeeklyAvailability),
		unary("BlockSlot", SchedulingService.BlockSlot),
		unary("BlockDay", SchedulingService.BlockDay),
		unary("Unblock", SchedulingService.Unblock),
		unary("ListBusyIntervals", SchedulingService.ListBusyIntervals),
		unary("SubmitFeedback", SchedulingService.SubmitFeedback),
		unary("ListFeedback", SchedulingService.ListFeedback),
		unary("SetFeedbackVisibility", SchedulingService.SetFeedbackVisibility),
		unary("DeleteFeedback", SchedulingService.DeleteFeedback),
		unary("Heartbeat", SchedulingService.Heartbeat),
		unary("GetPresence", SchedulingService.GetPresence),
		unary("ExportBookings", SchedulingService.ExportBookings),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchBookings",
			Handler:       watchBookingsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "therapia/v1/scheduling",
}

func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(SchedulingService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SchedulingService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SchedulingService), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchBookingsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchBookingsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SchedulingService).WatchBookings(in, &bookingEventStream{stream})
}

type bookingEventStream struct {
	grpc.ServerStream
}

func (x *bookingEventStream) Send(ev *events.BookingEvent) error {
	return x.ServerStream.SendMsg(ev)
}
